package signature

import (
	"github.com/pingcap/errors"
)

// NoVersion is the version reported for an address never recorded.
const NoVersion = -1

// VersioningFilter remembers, per hashed position, the largest commit id
// stored there. Looking an address up returns the smallest value over all
// tables, which is never below the true last version of that address.
type VersioningFilter struct {
	size   uint64
	hashes []HashFunc
	tables [][]int
}

// NewVersioningFilter builds a filter over the H3 family with nFuncs tables.
func NewVersioningFilter(reg *Registry, size uint64, nFuncs int) (*VersioningFilter, error) {
	if nFuncs < 1 || nFuncs > MaxFuncID+1 {
		return nil, errors.Errorf("versioning filter needs 1 to %d functions, got %d", MaxFuncID+1, nFuncs)
	}
	vf := &VersioningFilter{size: size}
	for id := 0; id < nFuncs; id++ {
		f, err := reg.Func(HashSetH3, id, size)
		if err != nil {
			return nil, errors.Trace(err)
		}
		vf.hashes = append(vf.hashes, f)
		vf.tables = append(vf.tables, make([]int, size))
	}
	vf.Clear()
	return vf, nil
}

func (vf *VersioningFilter) UpdateVersion(addr uint64, version int) {
	for i, h := range vf.hashes {
		pos := h(addr)
		if vf.tables[i][pos] < version {
			vf.tables[i][pos] = version
		}
	}
}

func (vf *VersioningFilter) Version(addr uint64) int {
	version := 0
	for i, h := range vf.hashes {
		v := vf.tables[i][h(addr)]
		if i == 0 || v < version {
			version = v
		}
	}
	return version
}

func (vf *VersioningFilter) Clear() {
	for _, t := range vf.tables {
		for i := range t {
			t[i] = NoVersion
		}
	}
}

func (vf *VersioningFilter) Size() uint64 { return vf.size }

func (vf *VersioningFilter) NumTables() int { return len(vf.tables) }
