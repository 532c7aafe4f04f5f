package conflict

import (
	"github.com/cznic/mathutil"
	"github.com/pingcap-incubator/tinycommit/tm/signature"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Mode selects which table answers conflict queries. Both are always
// maintained so their accuracy can be compared.
type Mode int

const (
	ModeOracle Mode = iota
	ModeHashed
)

type Config struct {
	Sets        int
	Ways        int
	BFSize      uint64
	BFFuncs     int
	Granularity uint64
	Mode        Mode
}

func (c *Config) Validate() error {
	if c.Sets <= 0 || c.Sets&(c.Sets-1) != 0 {
		return errors.Errorf("conflict table sets must be a power of two, got %d", c.Sets)
	}
	if c.Ways <= 0 {
		return errors.Errorf("conflict table ways must be positive, got %d", c.Ways)
	}
	if c.BFFuncs < 1 || c.BFFuncs > signature.MaxFuncID+1 {
		return errors.Errorf("conflict table bloom filter needs 1 to 4 functions, got %d", c.BFFuncs)
	}
	if c.Granularity == 0 || mathutil.PopCountUint64(c.Granularity) != 1 {
		return errors.Errorf("conflict granularity must be a power of two, got %d", c.Granularity)
	}
	if c.Mode != ModeOracle && c.Mode != ModeHashed {
		return errors.Errorf("unknown conflict detector mode %d", c.Mode)
	}
	return nil
}

// Stats counts how the hashed table and its overflow filter compare with
// the oracle.
type Stats struct {
	HashHits         uint64
	HashMisses       uint64
	Evictions        uint64
	BFTruePositives  uint64
	BFFalsePositives uint64
	BFTrueNegatives  uint64
}

// Detector finds read-after-write conflicts against in-flight writers. A
// bounded exact table keeps recent writers and folds evicted ones into a
// versioning filter; an unbounded oracle runs alongside as ground truth.
type Detector struct {
	mode   Mode
	mask   uint64
	exact  *ExactTable
	oracle *OracleTable
	bf     *signature.VersioningFilter
	stats  Stats
}

func NewDetector(reg *signature.Registry, cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	exact, err := NewExactTable(reg, cfg.Sets, cfg.Ways)
	if err != nil {
		return nil, errors.Trace(err)
	}
	bf, err := signature.NewVersioningFilter(reg, cfg.BFSize, cfg.BFFuncs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Detector{
		mode:   cfg.Mode,
		mask:   ^(cfg.Granularity - 1),
		exact:  exact,
		oracle: NewOracleTable(cfg.Granularity),
		bf:     bf,
	}, nil
}

func (d *Detector) quantize(addr uint64) uint64 {
	return addr & d.mask
}

// CheckReadConflict reports whether a writer with id at least threshold has
// stored to addr, and the id it believes is the youngest such writer.
func (d *Detector) CheckReadConflict(addr uint64, threshold int) (int, bool) {
	addr = d.quantize(addr)

	oracleCID, oracleHit := d.oracle.CheckReadConflict(addr, threshold)
	hashCID, hashHit := d.exact.CheckReadConflict(addr, threshold)
	bfCID := d.bf.Version(addr)
	bfHit := bfCID >= threshold

	hashedCID := -1
	if hashHit {
		hashedCID = hashCID
		if !oracleHit || hashCID != oracleCID {
			log.Panic("exact table disagrees with oracle", zap.Uint64("addr", addr),
				zap.Int("exact-cid", hashCID), zap.Int("oracle-cid", oracleCID), zap.Bool("oracle-hit", oracleHit))
		}
		d.stats.HashHits++
	} else {
		if oracleHit {
			d.stats.HashMisses++
		}
		if bfHit {
			hashedCID = bfCID
			if oracleHit {
				if bfCID < oracleCID {
					log.Panic("versioning filter under-reports", zap.Uint64("addr", addr),
						zap.Int("bf-cid", bfCID), zap.Int("oracle-cid", oracleCID))
				}
				d.stats.BFTruePositives++
			} else {
				d.stats.BFFalsePositives++
			}
		} else {
			if oracleHit {
				log.Panic("hashed conflict detection missed a conflict", zap.Uint64("addr", addr),
					zap.Int("oracle-cid", oracleCID), zap.Int("threshold", threshold))
			}
			d.stats.BFTrueNegatives++
		}
	}

	if d.mode == ModeOracle {
		if !oracleHit {
			return -1, false
		}
		return oracleCID, true
	}
	return hashedCID, hashHit || bfHit
}

func (d *Detector) StoreWrite(addr uint64, cid int) {
	addr = d.quantize(addr)
	d.oracle.StoreWrite(addr, cid)
	evictedAddr, evictedCID, evicted := d.exact.StoreWrite(addr, cid)
	if evicted {
		if !d.oracle.CheckEntry(evictedAddr, evictedCID) {
			log.Panic("evicted writer unknown to oracle", zap.Uint64("addr", evictedAddr), zap.Int("cid", evictedCID),
				zap.String("oracle", d.oracle.Describe(evictedAddr)))
		}
		d.bf.UpdateVersion(evictedAddr, evictedCID)
		d.stats.Evictions++
	}
}

func (d *Detector) RegisterRead(addr uint64) {
	d.oracle.RegisterRead(d.quantize(addr))
}

func (d *Detector) ClearWrites(c Committer) {
	d.oracle.ClearWrites(c)
}

// Size is the number of active oracle entries.
func (d *Detector) Size() int { return d.oracle.Size() }

func (d *Detector) Stats() Stats { return d.stats }

func (d *Detector) Oracle() *OracleTable { return d.oracle }
