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

import (
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var (
	viperConfig atomic.Pointer[Config]
	configMutex sync.Mutex
	callbacks   map[string]ConfigCallback
	callbackMux sync.RWMutex

	allParameterNames []string
)

// ConfigCallback is a function that is called when configuration changes.
// It receives the old and new configuration.
type ConfigCallback func(oldConfig, newConfig *Config)

type (
	StringParam struct {
		name string
		get  func(*Config) string
	}

	StringSliceParam struct {
		name string
		get  func(*Config) []string
	}

	BoolParam struct {
		name string
		get  func(*Config) bool
	}

	IntParam struct {
		name string
		get  func(*Config) int
	}

	DurationParam struct {
		name string
		get  func(*Config) time.Duration
	}

	// ObjectParam is a structured parameter decoded on demand.
	ObjectParam struct {
		name string
	}
)

func init() {
	callbacks = make(map[string]ConfigCallback)
}

func newStringParam(name string, get func(*Config) string) StringParam {
	allParameterNames = append(allParameterNames, name)
	return StringParam{name: name, get: get}
}

func newStringSliceParam(name string, get func(*Config) []string) StringSliceParam {
	allParameterNames = append(allParameterNames, name)
	return StringSliceParam{name: name, get: get}
}

func newBoolParam(name string, get func(*Config) bool) BoolParam {
	allParameterNames = append(allParameterNames, name)
	return BoolParam{name: name, get: get}
}

func newIntParam(name string, get func(*Config) int) IntParam {
	allParameterNames = append(allParameterNames, name)
	return IntParam{name: name, get: get}
}

func newDurationParam(name string, get func(*Config) time.Duration) DurationParam {
	allParameterNames = append(allParameterNames, name)
	return DurationParam{name: name, get: get}
}

func newObjectParam(name string) ObjectParam {
	allParameterNames = append(allParameterNames, name)
	return ObjectParam{name: name}
}

// paramNameToEnvVar converts a parameter name (e.g., "Pool.Name") to its
// corresponding environment variable name (e.g., "DISKPOOL_POOL_NAME").
func paramNameToEnvVar(paramName string) string {
	return "DISKPOOL_" + strings.ToUpper(strings.ReplaceAll(paramName, ".", "_"))
}

func (sP StringParam) GetString() string {
	return sP.get(getOrCreateConfig())
}

func (sP StringParam) GetName() string {
	return sP.name
}

func (sP StringParam) IsSet() bool {
	return viper.IsSet(sP.name)
}

func (sP StringParam) GetEnvVarName() string {
	return paramNameToEnvVar(sP.name)
}

func (slP StringSliceParam) GetStringSlice() []string {
	return slP.get(getOrCreateConfig())
}

func (slP StringSliceParam) GetName() string {
	return slP.name
}

func (slP StringSliceParam) IsSet() bool {
	return viper.IsSet(slP.name)
}

func (bP BoolParam) GetBool() bool {
	return bP.get(getOrCreateConfig())
}

func (bP BoolParam) GetName() string {
	return bP.name
}

func (bP BoolParam) IsSet() bool {
	return viper.IsSet(bP.name)
}

func (iP IntParam) GetInt() int {
	return iP.get(getOrCreateConfig())
}

func (iP IntParam) GetName() string {
	return iP.name
}

func (iP IntParam) IsSet() bool {
	return viper.IsSet(iP.name)
}

func (dP DurationParam) GetDuration() time.Duration {
	return dP.get(getOrCreateConfig())
}

func (dP DurationParam) GetName() string {
	return dP.name
}

func (dP DurationParam) IsSet() bool {
	return viper.IsSet(dP.name)
}

func (oP ObjectParam) GetName() string {
	return oP.name
}

func (oP ObjectParam) IsSet() bool {
	return viper.IsSet(oP.name)
}

// Unmarshal decodes the parameter into out.
func (oP ObjectParam) Unmarshal(out interface{}) error {
	return viper.UnmarshalKey(oP.name, out, viper.DecodeHook(decodeHook()))
}

// GetAllParameterNames returns every known configuration key.
func GetAllParameterNames() []string {
	return append([]string(nil), allParameterNames...)
}

// Refresh reloads the atomic cached configuration from viper's *global* instance.
//
// Any code that mutates configuration via global viper APIs (SetDefault, Set,
// MergeConfig, ReadConfig, etc.) should call Refresh afterwards to keep param
// getters consistent with viper.
func Refresh() (*Config, error) {
	return decodeAndStoreConfig(viper.GetViper())
}

// Reset drops the cached configuration; the next getter decodes viper again.
func Reset() {
	configMutex.Lock()
	defer configMutex.Unlock()
	viperConfig.Store(nil)
}

// BindAllParameters binds all known configuration keys to environment variables
// so env-only values are visible in the snapshot.
func BindAllParameters(v *viper.Viper) {
	if v == nil {
		return
	}
	for _, key := range allParameterNames {
		_ = v.BindEnv(key, paramNameToEnvVar(key))
	}
}

// Set updates a single key on the global viper instance and refreshes the
// cached configuration.
func Set(key string, value interface{}) error {
	viper.Set(key, value)
	_, err := Refresh()
	return err
}

// MultiSet updates several keys and refreshes once.
func MultiSet(values map[string]interface{}) error {
	for key, value := range values {
		viper.Set(key, value)
	}
	_, err := Refresh()
	return err
}

// RegisterCallback registers a function invoked whenever the cached
// configuration is replaced.  Registering under an existing name replaces
// the previous callback.
func RegisterCallback(name string, callback ConfigCallback) {
	callbackMux.Lock()
	defer callbackMux.Unlock()
	callbacks[name] = callback
}

func UnregisterCallback(name string) {
	callbackMux.Lock()
	defer callbackMux.Unlock()
	delete(callbacks, name)
}

func invokeCallbacks(oldConfig, newConfig *Config) {
	callbackMux.RLock()
	defer callbackMux.RUnlock()
	for _, callback := range callbacks {
		callback(oldConfig, newConfig)
	}
}

// stringToSliceHookFunc converts comma or whitespace separated strings to
// slices; "regular,-lifo" and "regular -lifo" both become two elements.
func stringToSliceHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Kind, t reflect.Kind, data interface{}) (interface{}, error) {
		if f != reflect.String || t != reflect.Slice {
			return data, nil
		}

		raw := strings.Trim(data.(string), `"'`)
		if raw == "" {
			return []string{}, nil
		}

		var parts []string
		if strings.Contains(raw, ",") {
			parts = strings.Split(raw, ",")
		} else {
			parts = strings.Fields(raw)
		}
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.Trim(strings.TrimSpace(part), `"'`)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result, nil
	}
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToSliceHookFunc(),
	)
}

// DecodeConfig decodes the provided viper instance into a new Config struct
// without touching the global cache.
func DecodeConfig(v *viper.Viper) (*Config, error) {
	if v == nil {
		return nil, errors.New("nil viper instance")
	}
	BindAllParameters(v)
	settings := v.AllSettings()
	for _, key := range allParameterNames {
		if val := v.Get(key); val != nil {
			setLowercasePath(settings, strings.Split(key, "."), val)
		}
	}

	newConfig := new(Config)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       decodeHook(),
		MatchName: func(mapKey, fieldName string) bool {
			return strings.EqualFold(mapKey, fieldName)
		},
		Result: newConfig,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(settings); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}
	return newConfig, nil
}

func setLowercasePath(root map[string]any, path []string, val any) {
	if len(path) == 0 {
		return
	}

	m := root
	for _, elem := range path[:len(path)-1] {
		k := strings.ToLower(elem)
		if nextAny, ok := m[k]; ok {
			if nextMap, ok := nextAny.(map[string]any); ok {
				m = nextMap
				continue
			}
		}
		next := make(map[string]any)
		m[k] = next
		m = next
	}
	m[strings.ToLower(path[len(path)-1])] = val
}

func decodeAndStoreConfig(v *viper.Viper) (*Config, error) {
	configMutex.Lock()
	newConfig, err := DecodeConfig(v)
	if err != nil {
		configMutex.Unlock()
		return nil, err
	}
	oldConfig := viperConfig.Swap(newConfig)
	configMutex.Unlock()

	invokeCallbacks(oldConfig, newConfig)
	return newConfig, nil
}

// Return the unmarshaled viper config struct as a pointer
func GetUnmarshaledConfig() (*Config, error) {
	config := viperConfig.Load()
	if config == nil {
		return nil, errors.New("Config hasn't been unmarshaled yet.")
	}
	return config, nil
}

// getOrCreateConfig returns the current config or decodes one from viper if
// nothing has been cached yet.
func getOrCreateConfig() *Config {
	if config := viperConfig.Load(); config != nil {
		return config
	}

	configMutex.Lock()
	defer configMutex.Unlock()
	if config := viperConfig.Load(); config != nil {
		return config
	}
	newConfig, err := DecodeConfig(viper.GetViper())
	if err != nil {
		// Getters must not fail; an undecodable config reads as zero values
		// until the next successful Refresh.
		return new(Config)
	}
	viperConfig.Store(newConfig)
	return newConfig
}
