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

// Package checksum computes and verifies replica checksums.
package checksum

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"hash"
	"hash/adler32"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/crypto/md4"

	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
)

type (
	// Factory creates digests of one checksum type.
	Factory struct {
		typ pool_structs.ChecksumType
	}

	Policy string

	// Module bundles the default checksum type with the pool's policies.
	Module struct {
		factory  Factory
		policies map[Policy]bool
	}
)

const (
	// Compute while receiving data from clients and other pools.
	OnTransfer Policy = "onTransfer"
	// Compute on files written by clients once the transfer is done.
	OnWrite Policy = "onWrite"
	// Verify files restored from tape.
	OnRestore Policy = "onRestore"
	// Verify files before they are flushed.
	OnFlush Policy = "onFlush"
	// Use the checksum reported by the HSM script in a .crcval file.
	GetCrcFromHsm Policy = "getCrcFromHsm"
	// Every written replica gets a checksum, even when no other policy
	// computed one.
	EnforceCrc Policy = "enforceCrc"
)

const copyBufferSize = 256 * 1024

// ParseType accepts a type name ("adler32", "md5", "md4") or its numeric
// code.
func ParseType(name string) (pool_structs.ChecksumType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "adler32", "1":
		return pool_structs.ChecksumAdler32, nil
	case "md5", "md5_type", "2":
		return pool_structs.ChecksumMD5, nil
	case "md4", "md4_type", "3":
		return pool_structs.ChecksumMD4, nil
	}
	return 0, pool_errors.IllegalArgument("unsupported checksum type %q", name)
}

func NewFactory(typ pool_structs.ChecksumType) (Factory, error) {
	switch typ {
	case pool_structs.ChecksumAdler32, pool_structs.ChecksumMD5, pool_structs.ChecksumMD4:
		return Factory{typ: typ}, nil
	}
	return Factory{}, pool_errors.IllegalArgument("unsupported checksum type %s", typ)
}

func (f Factory) Type() pool_structs.ChecksumType {
	return f.typ
}

func (f Factory) New() hash.Hash {
	switch f.typ {
	case pool_structs.ChecksumMD5:
		return md5.New()
	case pool_structs.ChecksumMD4:
		return md4.New()
	default:
		return adler32.New()
	}
}

// Sum turns the state of a digest created by New into a checksum.
func (f Factory) Sum(h hash.Hash) pool_structs.Checksum {
	return pool_structs.Checksum{Type: f.typ, Value: hex.EncodeToString(h.Sum(nil))}
}

// Compute digests r until EOF or until ctx is done.
func (f Factory) Compute(ctx context.Context, r io.Reader) (pool_structs.Checksum, error) {
	h := f.New()
	buf := make([]byte, copyBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return pool_structs.Checksum{}, pool_errors.Interrupted(err, "checksum calculation interrupted")
		}
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return pool_structs.Checksum{}, pool_errors.Wrapf(err, pool_errors.KindIOFailure, pool_errors.CodeChecksumFailed,
				"failed to calculate %s checksum", f.typ)
		}
	}
	return f.Sum(h), nil
}

// Find returns the checksum of the factory's type among known.
func (f Factory) Find(known []pool_structs.Checksum) (pool_structs.Checksum, bool) {
	for _, c := range known {
		if c.Type == f.typ && !c.IsZero() {
			return c, true
		}
	}
	return pool_structs.Checksum{}, false
}

// Parse reads a checksum in "<type>:<hex>" form, where type is a code or a
// name.  A bare value is taken to be of the factory's type.
func (f Factory) Parse(s string) (pool_structs.Checksum, error) {
	s = strings.TrimSpace(s)
	typ := f.typ
	value := s
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		parsed, err := ParseType(s[:idx])
		if err != nil {
			return pool_structs.Checksum{}, err
		}
		typ = parsed
		value = s[idx+1:]
	}
	value = strings.ToLower(value)
	if _, err := hex.DecodeString(value); err != nil || value == "" {
		return pool_structs.Checksum{}, pool_errors.IllegalArgument("invalid checksum value %q", s)
	}
	if typ == pool_structs.ChecksumAdler32 && len(value) < 8 {
		value = strings.Repeat("0", 8-len(value)) + value
	}
	return pool_structs.Checksum{Type: typ, Value: value}, nil
}

// Verify compares actual with the checksum of the same type in expected, if
// there is one.
func Verify(expected []pool_structs.Checksum, actual pool_structs.Checksum) error {
	for _, c := range expected {
		if c.Type != actual.Type || c.IsZero() {
			continue
		}
		if !c.Equal(actual) {
			return pool_errors.ChecksumMismatch(c, actual)
		}
		return nil
	}
	return nil
}

// NewModule builds the module from the configured type name and policies.
func NewModule(typeName string, policies []string) (*Module, error) {
	typ, err := ParseType(typeName)
	if err != nil {
		return nil, err
	}
	factory, err := NewFactory(typ)
	if err != nil {
		return nil, err
	}
	m := &Module{factory: factory, policies: make(map[Policy]bool)}
	for _, name := range policies {
		p := Policy(strings.TrimSpace(name))
		switch p {
		case OnTransfer, OnWrite, OnRestore, OnFlush, GetCrcFromHsm, EnforceCrc:
			m.policies[p] = true
		case "":
		default:
			return nil, errors.Errorf("unknown checksum policy %q", name)
		}
	}
	return m, nil
}

func (m *Module) Factory() Factory {
	return m.factory
}

func (m *Module) Has(p Policy) bool {
	return m.policies[p]
}

// FactoryFor picks the type the file already has a checksum of, so it can
// be verified, and falls back to the default type.
func (m *Module) FactoryFor(known []pool_structs.Checksum) Factory {
	if _, ok := m.factory.Find(known); ok {
		return m.factory
	}
	for _, c := range known {
		if f, err := NewFactory(c.Type); err == nil && !c.IsZero() {
			return f
		}
	}
	return m.factory
}

// VerifyFile computes the checksum of the file at path and checks it against
// expected.  The computed checksum is returned even on mismatch.
func (m *Module) VerifyFile(ctx context.Context, fs afero.Fs, path string, expected []pool_structs.Checksum) (pool_structs.Checksum, error) {
	f, err := fs.Open(path)
	if err != nil {
		return pool_structs.Checksum{}, pool_errors.IOFailure(err, "failed to open %s for checksumming", path)
	}
	defer f.Close()
	actual, err := m.FactoryFor(expected).Compute(ctx, f)
	if err != nil {
		return actual, err
	}
	return actual, Verify(expected, actual)
}

// ReadCrcSidecar reads the "<path>.crcval" file an HSM script may leave
// next to a restored file; it holds a hexadecimal Adler-32 value.
func ReadCrcSidecar(fs afero.Fs, path string) (pool_structs.Checksum, bool, error) {
	sidecar := path + ".crcval"
	data, err := afero.ReadFile(fs, sidecar)
	if err != nil {
		exists, _ := afero.Exists(fs, sidecar)
		if !exists {
			return pool_structs.Checksum{}, false, nil
		}
		return pool_structs.Checksum{}, false, errors.Wrapf(err, "failed to read %s", sidecar)
	}
	defer func() {
		_ = fs.Remove(sidecar)
	}()
	text := strings.TrimSpace(string(data))
	if _, err := strconv.ParseUint(text, 16, 32); err != nil {
		return pool_structs.Checksum{}, false, errors.Errorf("invalid checksum %q in %s", text, sidecar)
	}
	f := Factory{typ: pool_structs.ChecksumAdler32}
	c, err := f.Parse(text)
	if err != nil {
		return pool_structs.Checksum{}, false, err
	}
	return c, true, nil
}
