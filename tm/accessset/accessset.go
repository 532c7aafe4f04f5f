package accessset

import (
	"github.com/pingcap-incubator/tinycommit/tm/signature"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	DefaultBloomSize  = 64
	DefaultBloomFuncs = 4
)

// Options control how an AccessSet answers membership queries.
type Options struct {
	// UseBloomFilter answers Match from the signature instead of the exact set.
	// The exact answer is always computed alongside to count false positives.
	UseBloomFilter bool
	// FastMatch looks the exact answer up in the version map rather than
	// scanning the buffer.
	FastMatch  bool
	BloomSize  uint64
	BloomFuncs int
	HashSet    signature.HashSet
	// Stats, if set, accumulates query accuracy across sets.
	Stats *MatchStats
}

func DefaultOptions() Options {
	return Options{
		FastMatch:  true,
		BloomSize:  DefaultBloomSize,
		BloomFuncs: DefaultBloomFuncs,
		HashSet:    signature.HashSetH3,
	}
}

// MatchStats counts signature accuracy over Match calls.
type MatchStats struct {
	Queries        uint64
	BloomHits      uint64
	FalsePositives uint64
}

// AccessSet is the ordered list of addresses one transaction read or wrote
// at a memory partition, with the version observed for each address.
type AccessSet struct {
	reg      *signature.Registry
	opts     Options
	buffer   []uint64
	versions map[uint64]int
	bf       *signature.BloomFilter
}

func New(reg *signature.Registry, opts Options) *AccessSet {
	return &AccessSet{
		reg:      reg,
		opts:     opts,
		versions: make(map[uint64]int),
	}
}

// Append records addr. Duplicates are kept in the buffer.
func (s *AccessSet) Append(addr uint64) {
	if s.bf == nil {
		bf, err := signature.NewBloomFilter(s.reg, s.opts.HashSet, s.opts.BloomSize,
			signature.FuncIDs(s.opts.BloomFuncs), signature.KindBit)
		if err != nil {
			log.Panic("build access set signature", zap.Error(err))
		}
		s.bf = bf
	}
	s.buffer = append(s.buffer, addr)
	s.bf.Add(addr)
	if _, ok := s.versions[addr]; !ok {
		s.versions[addr] = signature.NoVersion
	}
}

func (s *AccessSet) exactMatch(addr uint64) bool {
	if s.opts.FastMatch {
		_, ok := s.versions[addr]
		return ok
	}
	for _, a := range s.buffer {
		if a == addr {
			return true
		}
	}
	return false
}

func (s *AccessSet) Match(addr uint64) bool {
	exact := s.exactMatch(addr)
	bloom := s.bf != nil && s.bf.Match(addr)
	if exact && !bloom && s.bf != nil {
		log.Panic("access set signature missed a member", zap.Uint64("addr", addr))
	}
	if st := s.opts.Stats; st != nil {
		st.Queries++
		if bloom {
			st.BloomHits++
			if !exact {
				st.FalsePositives++
			}
		}
	}
	if s.opts.UseBloomFilter {
		return bloom
	}
	return exact
}

func (s *AccessSet) UpdateVersion(addr uint64, version int) {
	if _, ok := s.versions[addr]; !ok {
		log.Panic("update version of an address outside the set", zap.Uint64("addr", addr))
	}
	s.versions[addr] = version
}

func (s *AccessSet) Version(addr uint64) int {
	v, ok := s.versions[addr]
	if !ok {
		log.Panic("version of an address outside the set", zap.Uint64("addr", addr))
	}
	return v
}

// Addresses returns the buffer in insertion order. Callers must not modify it.
func (s *AccessSet) Addresses() []uint64 {
	return s.buffer
}

func (s *AccessSet) Len() int { return len(s.buffer) }

func (s *AccessSet) Empty() bool { return len(s.buffer) == 0 }

// Usage is the number of buffered addresses, duplicates included.
func (s *AccessSet) Usage() int { return len(s.buffer) }

func (s *AccessSet) BloomFilter() *signature.BloomFilter { return s.bf }

func (s *AccessSet) DeleteBloomFilter() { s.bf = nil }
