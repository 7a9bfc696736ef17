// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm_test

import (
	. "gopkg.in/check.v1"

	. "github.com/canonical/go-swtpm"
	"github.com/canonical/go-swtpm/internal/testutil"
)

type memoryStoreSuite struct {
	store *MemoryStore
}

var _ = Suite(&memoryStoreSuite{})

func (s *memoryStoreSuite) SetUpTest(c *C) {
	s.store = NewMemoryStore()
}

func (s *memoryStoreSuite) TestReadNotFound(c *C) {
	_, err := s.store.ReadReserved("foo")
	c.Check(err, testutil.ErrorIs, ErrNotFound)
}

func (s *memoryStoreSuite) TestWriteRead(c *C) {
	data := []byte("bar")
	c.Check(s.store.WriteReserved("foo", data), IsNil)
	data[0] = 'c'

	out, err := s.store.ReadReserved("foo")
	c.Check(err, IsNil)
	c.Check(out, DeepEquals, []byte("bar"))

	out[0] = 'c'
	out, err = s.store.ReadReserved("foo")
	c.Check(err, IsNil)
	c.Check(out, DeepEquals, []byte("bar"))
}

func (s *memoryStoreSuite) TestDelete(c *C) {
	c.Check(s.store.WriteReserved("foo", []byte("bar")), IsNil)
	c.Check(s.store.DeleteReserved("foo"), IsNil)
	_, err := s.store.ReadReserved("foo")
	c.Check(err, testutil.ErrorIs, ErrNotFound)
	c.Check(s.store.DeleteReserved("foo"), IsNil)
}

func (s *memoryStoreSuite) TestKeys(c *C) {
	for _, k := range []string{"nv/01800001", "persistent", "nv/01800000", "nv/01c00000"} {
		c.Check(s.store.WriteReserved(k, nil), IsNil)
	}
	keys, err := s.store.Keys("nv/")
	c.Check(err, IsNil)
	c.Check(keys, DeepEquals, []string{"nv/01800000", "nv/01800001", "nv/01c00000"})
}

func (s *memoryStoreSuite) TestStatus(c *C) {
	c.Check(s.store.Status(), Equals, NVAvailable)
	c.Check(s.store.WriteReserved("foo", []byte("bar")), IsNil)

	s.store.SetStatus(NVUnavailable)
	c.Check(s.store.Status(), testutil.IsOneOf(Equals), []NVStatus{NVUnavailable, NVRateLimited})
	c.Check(s.store.WriteReserved("foo", []byte("baz")), ErrorMatches, "cannot write record: store is unavailable")
	c.Check(s.store.DeleteReserved("foo"), ErrorMatches, "cannot delete record: store is unavailable")

	out, err := s.store.ReadReserved("foo")
	c.Check(err, IsNil)
	c.Check(out, DeepEquals, []byte("bar"))
}
