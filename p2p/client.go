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

// Package p2p replicates files between pools.  The receiving pool runs a
// Client: it creates a Companion per transfer, asks the source pool to
// deliver the file and accepts the data connection the source opens back
// to it.  The sending side is the Sender mover.
package p2p

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/lestrrat-go/option"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/pelicanplatform/diskpool/billing"
	"github.com/pelicanplatform/diskpool/cells"
	"github.com/pelicanplatform/diskpool/checksum"
	"github.com/pelicanplatform/diskpool/metrics"
	"github.com/pelicanplatform/diskpool/namespace"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
	"github.com/pelicanplatform/diskpool/repository"
)

type (
	// Requester sends asynchronous requests; implemented by
	// cells.Endpoint.
	Requester interface {
		SendAsync(dest string, msg any, timeout time.Duration, cb cells.Callback)
	}

	ClientOption = option.Interface

	identNamespace      struct{}
	identRequester      struct{}
	identChecksumModule struct{}
	identBilling        struct{}
	identPoolName       struct{}
	identListenAddress  struct{}
	identAdvertisedHost struct{}
	identReplyTimeout   struct{}

	// Client is the receiving side of pool to pool transfers.
	Client struct {
		repo          *repository.Repository
		ns            namespace.Handler
		requester     Requester
		crc           *checksum.Module
		billing       billing.Reporter
		poolName      string
		listenAddress string
		advertised    string
		replyTimeout  time.Duration
		nextId        *atomic.Int32

		mu       sync.Mutex
		listener net.Listener
		sessions map[int]*Companion

		rateMu sync.Mutex
		rate   ewma.MovingAverage
	}

	ClientInfo struct {
		Listen       string          `json:"listen"`
		ReplyTimeout time.Duration   `json:"replyTimeout"`
		Sessions     []CompanionInfo `json:"sessions"`
		Rate         float64         `json:"rate"`
	}
)

const (
	protocolName    = "DCap"
	protocolMajor   = 3
	firstSessionId  = 100
	rateSampleEvery = time.Second
)

func WithNamespace(ns namespace.Handler) ClientOption {
	return option.New(identNamespace{}, ns)
}

func WithRequester(r Requester) ClientOption {
	return option.New(identRequester{}, r)
}

func WithChecksumModule(m *checksum.Module) ClientOption {
	return option.New(identChecksumModule{}, m)
}

func WithBilling(b billing.Reporter) ClientOption {
	return option.New(identBilling{}, b)
}

func WithPoolName(name string) ClientOption {
	return option.New(identPoolName{}, name)
}

// WithListenAddress sets the host:port the acceptor listens on; port 0
// picks a free port.
func WithListenAddress(addr string) ClientOption {
	return option.New(identListenAddress{}, addr)
}

// WithAdvertisedHost sets the host name source pools connect to.  It
// defaults to the listen host, or the host name when listening on all
// interfaces.
func WithAdvertisedHost(host string) ClientOption {
	return option.New(identAdvertisedHost{}, host)
}

// WithReplyTimeout bounds the wait for the source pool to accept a
// delivery request.
func WithReplyTimeout(d time.Duration) ClientOption {
	return option.New(identReplyTimeout{}, d)
}

func NewClient(repo *repository.Repository, opts ...ClientOption) (*Client, error) {
	c := &Client{
		repo:          repo,
		poolName:      "pool",
		listenAddress: ":0",
		replyTimeout:  5 * time.Minute,
		nextId:        atomic.NewInt32(firstSessionId),
		sessions:      make(map[int]*Companion),
		rate:          ewma.NewMovingAverage(10),
	}
	for _, opt := range opts {
		switch opt.Ident() {
		case identNamespace{}:
			c.ns = opt.Value().(namespace.Handler)
		case identRequester{}:
			c.requester = opt.Value().(Requester)
		case identChecksumModule{}:
			c.crc = opt.Value().(*checksum.Module)
		case identBilling{}:
			c.billing = opt.Value().(billing.Reporter)
		case identPoolName{}:
			c.poolName = opt.Value().(string)
		case identListenAddress{}:
			c.listenAddress = opt.Value().(string)
		case identAdvertisedHost{}:
			c.advertised = opt.Value().(string)
		case identReplyTimeout{}:
			c.replyTimeout = opt.Value().(time.Duration)
		}
	}
	if c.ns == nil {
		return nil, errors.New("p2p client requires a namespace handler")
	}
	if c.requester == nil {
		return nil, errors.New("p2p client requires a message endpoint")
	}
	if c.crc == nil {
		crc, err := checksum.NewModule("adler32", nil)
		if err != nil {
			return nil, err
		}
		c.crc = crc
	}
	return c, nil
}

// Listen opens the acceptor socket.  It is a no-op when already listening.
func (c *Client) Listen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", c.listenAddress)
	if err != nil {
		return errors.Wrapf(err, "failed to listen for p2p connections on %s", c.listenAddress)
	}
	c.listener = listener
	log.Infof("Accepting pool to pool connections on %s", listener.Addr())
	return nil
}

// Addr is the address of the acceptor, nil when not listening.
func (c *Client) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Serve accepts data connections until ctx is done.
func (c *Client) Serve(ctx context.Context) error {
	if err := c.Listen(); err != nil {
		metrics.SetComponentHealthStatus(metrics.Pool_P2P, metrics.StatusCritical, err.Error())
		return err
	}
	c.mu.Lock()
	listener := c.listener
	c.mu.Unlock()
	metrics.SetComponentHealthStatus(metrics.Pool_P2P, metrics.StatusOK, "")

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				c.Shutdown()
				return nil
			}
			return errors.Wrap(err, "failed to accept p2p connection")
		}
		go c.handleConnection(ctx, conn)
	}
}

// Shutdown fails all transfers in progress.
func (c *Client) Shutdown() {
	c.mu.Lock()
	companions := make([]*Companion, 0, len(c.sessions))
	for _, companion := range c.sessions {
		companions = append(companions, companion)
	}
	c.mu.Unlock()
	for _, companion := range companions {
		_ = companion.Failed(pool_errors.Interrupted(nil, "pool is shutting down"))
	}
}

func (c *Client) protocolInfo(sessionId int) (pool_structs.ProtocolInfo, error) {
	addr := c.Addr()
	if addr == nil {
		return pool_structs.ProtocolInfo{}, pool_errors.CommunicationFailure(nil, "p2p acceptor is not listening")
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return pool_structs.ProtocolInfo{}, errors.Wrap(err, "invalid acceptor address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return pool_structs.ProtocolInfo{}, errors.Wrap(err, "invalid acceptor port")
	}
	if c.advertised != "" {
		host = c.advertised
	} else if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		if host, err = os.Hostname(); err != nil {
			return pool_structs.ProtocolInfo{}, errors.Wrap(err, "failed to determine host name")
		}
	}
	return pool_structs.ProtocolInfo{
		Protocol:  protocolName,
		Major:     protocolMajor,
		Host:      host,
		Port:      port,
		SessionId: sessionId,
	}, nil
}

// NewCompanion starts fetching id from the pool src.  The returned session
// id identifies the transfer; cb is called exactly once unless an error is
// returned.
func (c *Client) NewCompanion(ctx context.Context, src string, id pool_structs.PnfsId,
	target pool_structs.EntryState, stickies []pool_structs.StickyRecord, cb Callback) (int, error) {
	if !target.IsStable() {
		return 0, pool_errors.IllegalArgument("invalid target state %s for %s", target, id)
	}
	if c.repo.GetState(id) != pool_structs.StateNew {
		return 0, pool_errors.AlreadyExists(id)
	}
	if err := c.Listen(); err != nil {
		return 0, pool_errors.CommunicationFailure(err, "cannot accept p2p connections")
	}

	companion := c.newCompanion(ctx, src, id, target, stickies, cb)
	log.Infof("P2P session %d: fetching %s from %s", companion.id, id, src)
	go c.start(companion)
	return companion.id, nil
}

// newCompanion registers a companion under a fresh session id.
func (c *Client) newCompanion(ctx context.Context, src string, id pool_structs.PnfsId,
	target pool_structs.EntryState, stickies []pool_structs.StickyRecord, cb Callback) *Companion {
	companionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	companion := &Companion{
		client:   c,
		id:       int(c.nextId.Inc() - 1),
		pnfsId:   id,
		source:   src,
		target:   target,
		stickies: append([]pool_structs.StickyRecord(nil), stickies...),
		callback: cb,
		created:  time.Now(),
		ctx:      companionCtx,
		cancel:   cancel,
		status:   "waiting for file attributes",
	}
	c.mu.Lock()
	c.sessions[companion.id] = companion
	c.mu.Unlock()
	return companion
}

// start creates the replica and asks the source pool to deliver it.
func (c *Client) start(companion *Companion) {
	attrs, err := c.ns.GetFileAttributes(companion.ctx, companion.pnfsId)
	if err != nil {
		_ = companion.Failed(err)
		return
	}
	info, err := c.protocolInfo(companion.id)
	if err != nil {
		_ = companion.Failed(err)
		return
	}

	handle, err := c.repo.CreateEntry(companion.pnfsId, attrs, pool_structs.StateFromPool, companion.target, companion.stickies)
	if err != nil {
		_ = companion.Failed(err)
		return
	}
	companion.mu.Lock()
	companion.attrs = attrs
	companion.handle = handle
	final := companion.state.IsFinal()
	companion.status = "waiting for delivery"
	companion.mu.Unlock()
	if final {
		// Cancelled while the replica was being created
		_ = handle.Cancel(false)
		return
	}

	request := &pool_structs.PoolDeliverFileMessage{
		PoolName:        companion.source,
		DestinationPool: c.poolName,
		PnfsId:          companion.pnfsId,
		Attributes:      attrs,
		ProtocolInfo:    info,
	}
	c.requester.SendAsync(companion.source, request, c.replyTimeout, cells.CallbackFuncs{
		OnAnswer: func(reply any) {
			companion.setStatus("delivery accepted by " + companion.source)
		},
		OnTimeout: func() {
			_ = companion.Failed(pool_errors.Newf(pool_errors.KindCommunicationFailure, pool_errors.CodeTimeoutCommunication,
				"no reply from %s to delivery request", companion.source))
		},
		OnException: func(err error) {
			_ = companion.Failed(err)
		},
	})
}

func (c *Client) lookup(sessionId int) *Companion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[sessionId]
}

func (c *Client) remove(sessionId int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionId)
}

// Companion returns the transfer with the given session id, nil if there
// is none.
func (c *Client) Companion(sessionId int) *Companion {
	return c.lookup(sessionId)
}

// Cancel aborts a transfer.
func (c *Client) Cancel(sessionId int) error {
	companion := c.lookup(sessionId)
	if companion == nil {
		return pool_errors.NotFound("no p2p session %d", sessionId)
	}
	return companion.Failed(pool_errors.Interrupted(nil, fmt.Sprintf("p2p session %d cancelled", sessionId)))
}

// TransferFinished delivers the final word of the source pool on a
// transfer.  Messages for unknown sessions are dropped.
func (c *Client) TransferFinished(msg *pool_structs.DoorTransferFinishedMessage) {
	companion := c.lookup(msg.ProtocolInfo.SessionId)
	if companion == nil {
		log.Warningf("Transfer finished message for unknown p2p session %d (%s)", msg.ProtocolInfo.SessionId, msg.PnfsId)
		return
	}
	var err error
	if msg.ReturnCode != 0 {
		err = companion.Failed(pool_errors.FromCode(msg.ReturnCode, msg.ErrorMsg))
	} else {
		err = companion.ServerSucceeded()
	}
	if err != nil {
		log.Warningf("Ignoring transfer finished message from %s: %v", msg.PoolName, err)
	}
}

func (c *Client) Info() ClientInfo {
	info := ClientInfo{ReplyTimeout: c.replyTimeout}
	if addr := c.Addr(); addr != nil {
		info.Listen = addr.String()
	}
	c.mu.Lock()
	companions := make([]*Companion, 0, len(c.sessions))
	for _, companion := range c.sessions {
		companions = append(companions, companion)
	}
	c.mu.Unlock()
	sort.Slice(companions, func(i, j int) bool { return companions[i].id < companions[j].id })

	info.Sessions = make([]CompanionInfo, 0, len(companions))
	for _, companion := range companions {
		info.Sessions = append(info.Sessions, companion.Info())
	}
	c.rateMu.Lock()
	info.Rate = c.rate.Value()
	c.rateMu.Unlock()
	return info
}

func (c *Client) addRateSample(bytesPerSecond float64) {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()
	c.rate.Add(bytesPerSecond)
	metrics.PoolP2PTransferRate.Set(c.rate.Value())
}
