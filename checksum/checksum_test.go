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

package checksum

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/diskpool/account"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
	"github.com/pelicanplatform/diskpool/repository"
)

func TestCompute(t *testing.T) {
	adler, err := NewFactory(pool_structs.ChecksumAdler32)
	require.NoError(t, err)
	c, err := adler.Compute(context.Background(), bytes.NewBufferString("Wikipedia"))
	require.NoError(t, err)
	assert.Equal(t, "11e60398", c.Value)
	assert.Equal(t, "1:11e60398", c.String())

	md5f, err := NewFactory(pool_structs.ChecksumMD5)
	require.NoError(t, err)
	c, err = md5f.Compute(context.Background(), bytes.NewBufferString(""))
	require.NoError(t, err)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", c.Value)

	md4f, err := NewFactory(pool_structs.ChecksumMD4)
	require.NoError(t, err)
	c, err = md4f.Compute(context.Background(), bytes.NewBufferString(""))
	require.NoError(t, err)
	assert.Equal(t, "31d6cfe0d16ae931b73c59d7e0c089c0", c.Value)

	_, err = NewFactory(pool_structs.ChecksumType(9))
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	f, err := NewFactory(pool_structs.ChecksumAdler32)
	require.NoError(t, err)

	c, err := f.Parse("1:ABCD")
	require.NoError(t, err)
	assert.Equal(t, pool_structs.Checksum{Type: pool_structs.ChecksumAdler32, Value: "0000abcd"}, c)

	c, err = f.Parse("md5:d41d8cd98f00b204e9800998ecf8427e")
	require.NoError(t, err)
	assert.Equal(t, pool_structs.ChecksumMD5, c.Type)

	_, err = f.Parse("1:xyz")
	assert.True(t, pool_errors.IsKind(err, pool_errors.KindIllegalArgument))
	_, err = f.Parse("sha9:00")
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	known := []pool_structs.Checksum{{Type: pool_structs.ChecksumAdler32, Value: "11E60398"}}
	assert.NoError(t, Verify(known, pool_structs.Checksum{Type: pool_structs.ChecksumAdler32, Value: "11e60398"}))
	assert.NoError(t, Verify(known, pool_structs.Checksum{Type: pool_structs.ChecksumMD5, Value: "00"}))

	err := Verify(known, pool_structs.Checksum{Type: pool_structs.ChecksumAdler32, Value: "00000001"})
	assert.True(t, pool_errors.IsKind(err, pool_errors.KindChecksumMismatch))
	assert.Equal(t, pool_errors.CodeChecksumMismatch, pool_errors.CodeOf(err))
}

func TestModule(t *testing.T) {
	m, err := NewModule("adler32", []string{"onTransfer", "onRestore"})
	require.NoError(t, err)
	assert.True(t, m.Has(OnTransfer))
	assert.False(t, m.Has(OnFlush))

	md5Known := []pool_structs.Checksum{{Type: pool_structs.ChecksumMD5, Value: "d41d8cd98f00b204e9800998ecf8427e"}}
	assert.Equal(t, pool_structs.ChecksumMD5, m.FactoryFor(md5Known).Type())
	assert.Equal(t, pool_structs.ChecksumAdler32, m.FactoryFor(nil).Type())

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/f", []byte{}, 0644))
	c, err := m.VerifyFile(context.Background(), fs, "/f", md5Known)
	require.NoError(t, err)
	assert.Equal(t, pool_structs.ChecksumMD5, c.Type)

	_, err = NewModule("adler32", []string{"sometimes"})
	assert.Error(t, err)
	_, err = NewModule("crc64", nil)
	assert.Error(t, err)
}

func TestReadCrcSidecar(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, found, err := ReadCrcSidecar(fs, "/data/file")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, afero.WriteFile(fs, "/data/file.crcval", []byte("11e60398\n"), 0644))
	c, found, err := ReadCrcSidecar(fs, "/data/file")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "11e60398", c.Value)

	exists, err := afero.Exists(fs, "/data/file.crcval")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestScanner(t *testing.T) {
	fs := afero.NewMemMapFs()
	meta, err := repository.NewBadgerMetaStore("")
	require.NoError(t, err)
	data, err := repository.NewFileStore(fs, "/data")
	require.NoError(t, err)
	repo := repository.New(account.New(1000), meta, data)
	defer repo.Close()

	good := pool_structs.PnfsId("000000000000000000000001")
	bad := pool_structs.PnfsId("000000000000000000000002")
	plain := pool_structs.PnfsId("000000000000000000000003")
	for _, id := range []pool_structs.PnfsId{good, bad, plain} {
		h, err := repo.CreateEntry(id, pool_structs.FileAttributes{}, pool_structs.StateFromClient, pool_structs.StateCached, nil)
		require.NoError(t, err)
		require.NoError(t, h.Allocate(context.Background(), 9))
		_, err = h.Write([]byte("Wikipedia"))
		require.NoError(t, err)
		if id != plain {
			h.AddChecksum(pool_structs.Checksum{Type: pool_structs.ChecksumAdler32, Value: "11e60398"})
		}
		require.NoError(t, h.Commit(context.Background()))
	}
	// Corrupt one replica behind the repository's back
	require.NoError(t, afero.WriteFile(fs, data.Path(bad), []byte("Wikipedix"), 0640))

	m, err := NewModule("adler32", nil)
	require.NoError(t, err)
	scanner := NewScanner(repo, m, 1024*1024)
	result, err := scanner.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, []pool_structs.PnfsId{bad}, result.Broken)
	assert.Equal(t, pool_structs.StateBroken, repo.GetState(bad))
	assert.Equal(t, pool_structs.StateCached, repo.GetState(good))
}
