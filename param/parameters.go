/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package param

import "time"

// Config is the decoded snapshot of every known parameter.
type Config struct {
	Logging struct {
		Level       string `mapstructure:"level"`
		LogLocation string `mapstructure:"loglocation"`
	} `mapstructure:"logging"`
	Server struct {
		WebHost string `mapstructure:"webhost"`
		WebPort int    `mapstructure:"webport"`
	} `mapstructure:"server"`
	Pool struct {
		Name                string        `mapstructure:"name"`
		DataLocation        string        `mapstructure:"datalocation"`
		MaxDiskSpace        string        `mapstructure:"maxdiskspace"`
		IoQueues            []string      `mapstructure:"ioqueues"`
		DefaultQueue        string        `mapstructure:"defaultqueue"`
		MaxMovers           int           `mapstructure:"maxmovers"`
		MaxP2PMovers        int           `mapstructure:"maxp2pmovers"`
		MoverMaxRuntime     time.Duration `mapstructure:"movermaxruntime"`
		DuplicateRequests   string        `mapstructure:"duplicaterequests"`
		HeartbeatInterval   time.Duration `mapstructure:"heartbeatinterval"`
		PoolManager         string        `mapstructure:"poolmanager"`
		FlushZeroSizeFiles  bool          `mapstructure:"flushzerosizefiles"`
		ReplicateOnArrival  bool          `mapstructure:"replicateonarrival"`
		ReplicationManager  string        `mapstructure:"replicationmanager"`
		Lfs                 string        `mapstructure:"lfs"`
		StickyCheckInterval time.Duration `mapstructure:"stickycheckinterval"`
	} `mapstructure:"pool"`
	Repository struct {
		MetaLocation string        `mapstructure:"metalocation"`
		RemovedTTL   time.Duration `mapstructure:"removedttl"`
	} `mapstructure:"repository"`
	Sweeper struct {
		BackoffOnEmpty time.Duration `mapstructure:"backoffonempty"`
	} `mapstructure:"sweeper"`
	Flush struct {
		Interval            time.Duration `mapstructure:"interval"`
		MaxActive           int           `mapstructure:"maxactive"`
		RetryDelayOnError   time.Duration `mapstructure:"retrydelayonerror"`
		MessageTarget       string        `mapstructure:"messagetarget"`
		DefaultExpiration   time.Duration `mapstructure:"defaultexpiration"`
		DefaultMaxPending   int           `mapstructure:"defaultmaxpending"`
		DefaultMaxTotalSize string        `mapstructure:"defaultmaxtotalsize"`
	} `mapstructure:"flush"`
	Hsm struct {
		Instances         interface{}   `mapstructure:"instances"`
		StoreTimeout      time.Duration `mapstructure:"storetimeout"`
		RestoreTimeout    time.Duration `mapstructure:"restoretimeout"`
		MaxActiveStores   int           `mapstructure:"maxactivestores"`
		MaxActiveRestores int           `mapstructure:"maxactiverestores"`
		MaxOutputLines    int           `mapstructure:"maxoutputlines"`
		FlushAckRetry     time.Duration `mapstructure:"flushackretry"`
	} `mapstructure:"hsm"`
	Checksum struct {
		Type         string        `mapstructure:"type"`
		Policies     []string      `mapstructure:"policies"`
		ScanRate     string        `mapstructure:"scanrate"`
		ScanInterval time.Duration `mapstructure:"scaninterval"`
	} `mapstructure:"checksum"`
	P2P struct {
		ListenHost   string        `mapstructure:"listenhost"`
		ListenPort   int           `mapstructure:"listenport"`
		ReplyTimeout time.Duration `mapstructure:"replytimeout"`
	} `mapstructure:"p2p"`
	Namespace struct {
		Destination string        `mapstructure:"destination"`
		Timeout     time.Duration `mapstructure:"timeout"`
	} `mapstructure:"namespace"`
	Billing struct {
		Destination      string `mapstructure:"destination"`
		DatabaseLocation string `mapstructure:"databaselocation"`
	} `mapstructure:"billing"`
}

var (
	Logging_Level       = newStringParam("Logging.Level", func(c *Config) string { return c.Logging.Level })
	Logging_LogLocation = newStringParam("Logging.LogLocation", func(c *Config) string { return c.Logging.LogLocation })

	Server_WebHost = newStringParam("Server.WebHost", func(c *Config) string { return c.Server.WebHost })
	Server_WebPort = newIntParam("Server.WebPort", func(c *Config) int { return c.Server.WebPort })

	Pool_Name                = newStringParam("Pool.Name", func(c *Config) string { return c.Pool.Name })
	Pool_DataLocation        = newStringParam("Pool.DataLocation", func(c *Config) string { return c.Pool.DataLocation })
	Pool_MaxDiskSpace        = newStringParam("Pool.MaxDiskSpace", func(c *Config) string { return c.Pool.MaxDiskSpace })
	Pool_IoQueues            = newStringSliceParam("Pool.IoQueues", func(c *Config) []string { return c.Pool.IoQueues })
	Pool_DefaultQueue        = newStringParam("Pool.DefaultQueue", func(c *Config) string { return c.Pool.DefaultQueue })
	Pool_MaxMovers           = newIntParam("Pool.MaxMovers", func(c *Config) int { return c.Pool.MaxMovers })
	Pool_MaxP2PMovers        = newIntParam("Pool.MaxP2PMovers", func(c *Config) int { return c.Pool.MaxP2PMovers })
	Pool_MoverMaxRuntime     = newDurationParam("Pool.MoverMaxRuntime", func(c *Config) time.Duration { return c.Pool.MoverMaxRuntime })
	Pool_DuplicateRequests   = newStringParam("Pool.DuplicateRequests", func(c *Config) string { return c.Pool.DuplicateRequests })
	Pool_HeartbeatInterval   = newDurationParam("Pool.HeartbeatInterval", func(c *Config) time.Duration { return c.Pool.HeartbeatInterval })
	Pool_PoolManager         = newStringParam("Pool.PoolManager", func(c *Config) string { return c.Pool.PoolManager })
	Pool_FlushZeroSizeFiles  = newBoolParam("Pool.FlushZeroSizeFiles", func(c *Config) bool { return c.Pool.FlushZeroSizeFiles })
	Pool_ReplicateOnArrival  = newBoolParam("Pool.ReplicateOnArrival", func(c *Config) bool { return c.Pool.ReplicateOnArrival })
	Pool_ReplicationManager  = newStringParam("Pool.ReplicationManager", func(c *Config) string { return c.Pool.ReplicationManager })
	Pool_Lfs                 = newStringParam("Pool.Lfs", func(c *Config) string { return c.Pool.Lfs })
	Pool_StickyCheckInterval = newDurationParam("Pool.StickyCheckInterval", func(c *Config) time.Duration { return c.Pool.StickyCheckInterval })

	Repository_MetaLocation = newStringParam("Repository.MetaLocation", func(c *Config) string { return c.Repository.MetaLocation })
	Repository_RemovedTTL   = newDurationParam("Repository.RemovedTTL", func(c *Config) time.Duration { return c.Repository.RemovedTTL })

	Sweeper_BackoffOnEmpty = newDurationParam("Sweeper.BackoffOnEmpty", func(c *Config) time.Duration { return c.Sweeper.BackoffOnEmpty })

	Flush_Interval            = newDurationParam("Flush.Interval", func(c *Config) time.Duration { return c.Flush.Interval })
	Flush_MaxActive           = newIntParam("Flush.MaxActive", func(c *Config) int { return c.Flush.MaxActive })
	Flush_RetryDelayOnError   = newDurationParam("Flush.RetryDelayOnError", func(c *Config) time.Duration { return c.Flush.RetryDelayOnError })
	Flush_MessageTarget       = newStringParam("Flush.MessageTarget", func(c *Config) string { return c.Flush.MessageTarget })
	Flush_DefaultExpiration   = newDurationParam("Flush.DefaultExpiration", func(c *Config) time.Duration { return c.Flush.DefaultExpiration })
	Flush_DefaultMaxPending   = newIntParam("Flush.DefaultMaxPending", func(c *Config) int { return c.Flush.DefaultMaxPending })
	Flush_DefaultMaxTotalSize = newStringParam("Flush.DefaultMaxTotalSize", func(c *Config) string { return c.Flush.DefaultMaxTotalSize })

	Hsm_Instances         = newObjectParam("Hsm.Instances")
	Hsm_StoreTimeout      = newDurationParam("Hsm.StoreTimeout", func(c *Config) time.Duration { return c.Hsm.StoreTimeout })
	Hsm_RestoreTimeout    = newDurationParam("Hsm.RestoreTimeout", func(c *Config) time.Duration { return c.Hsm.RestoreTimeout })
	Hsm_MaxActiveStores   = newIntParam("Hsm.MaxActiveStores", func(c *Config) int { return c.Hsm.MaxActiveStores })
	Hsm_MaxActiveRestores = newIntParam("Hsm.MaxActiveRestores", func(c *Config) int { return c.Hsm.MaxActiveRestores })
	Hsm_MaxOutputLines    = newIntParam("Hsm.MaxOutputLines", func(c *Config) int { return c.Hsm.MaxOutputLines })
	Hsm_FlushAckRetry     = newDurationParam("Hsm.FlushAckRetry", func(c *Config) time.Duration { return c.Hsm.FlushAckRetry })

	Checksum_Type         = newStringParam("Checksum.Type", func(c *Config) string { return c.Checksum.Type })
	Checksum_Policies     = newStringSliceParam("Checksum.Policies", func(c *Config) []string { return c.Checksum.Policies })
	Checksum_ScanRate     = newStringParam("Checksum.ScanRate", func(c *Config) string { return c.Checksum.ScanRate })
	Checksum_ScanInterval = newDurationParam("Checksum.ScanInterval", func(c *Config) time.Duration { return c.Checksum.ScanInterval })

	P2P_ListenHost   = newStringParam("P2P.ListenHost", func(c *Config) string { return c.P2P.ListenHost })
	P2P_ListenPort   = newIntParam("P2P.ListenPort", func(c *Config) int { return c.P2P.ListenPort })
	P2P_ReplyTimeout = newDurationParam("P2P.ReplyTimeout", func(c *Config) time.Duration { return c.P2P.ReplyTimeout })

	Namespace_Destination = newStringParam("Namespace.Destination", func(c *Config) string { return c.Namespace.Destination })
	Namespace_Timeout     = newDurationParam("Namespace.Timeout", func(c *Config) time.Duration { return c.Namespace.Timeout })

	Billing_Destination      = newStringParam("Billing.Destination", func(c *Config) string { return c.Billing.Destination })
	Billing_DatabaseLocation = newStringParam("Billing.DatabaseLocation", func(c *Config) string { return c.Billing.DatabaseLocation })
)
