package service

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/vertextoedge/offline-media-cache/internal/domain"
	"github.com/vertextoedge/offline-media-cache/internal/domain/vo"
)

// CachePolicy is the storage policy of one media type
type CachePolicy struct {
	MediaType          domain.MediaType
	MaxSize            vo.ByteSize
	CompressionQuality float64
	AllowedFormats     []string
}

// AllowsFormat sniffs data and checks its format against AllowedFormats.
// It returns the detected extension (without dot). An empty allow list
// and empty payloads are always accepted.
func (p *CachePolicy) AllowsFormat(data []byte) (string, bool) {
	if len(data) == 0 {
		return "", true
	}
	ext := strings.TrimPrefix(mimetype.Detect(data).Extension(), ".")
	if len(p.AllowedFormats) == 0 {
		return ext, true
	}
	for _, f := range p.AllowedFormats {
		if strings.EqualFold(strings.TrimPrefix(f, "."), ext) {
			return ext, true
		}
	}
	return ext, false
}

// Fractions splits the total budget between media types.
type Fractions map[domain.MediaType]float64

// DefaultFractions is the 25/50/25 image/video/audio split.
func DefaultFractions() Fractions {
	return Fractions{
		domain.MediaImage: 0.25,
		domain.MediaVideo: 0.50,
		domain.MediaAudio: 0.25,
	}
}

// Validate checks every fraction is in [0,1] and the sum does not exceed 1.
func (f Fractions) Validate() error {
	var sum float64
	for _, mt := range domain.MediaTypes {
		v := f[mt]
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s fraction %v out of range", domain.ErrInvalidInput, mt, v)
		}
		sum += v
	}
	if sum > 1.0000001 {
		return fmt.Errorf("%w: fractions sum to %v", domain.ErrInvalidInput, sum)
	}
	return nil
}

// QuotaPlan partitions a global budget into per-type sub-budgets.
type QuotaPlan struct {
	total     vo.ByteSize
	fractions Fractions
	policies  map[domain.MediaType]*CachePolicy
}

// PolicyOptions carries the per-type settings that do not depend on the budget
type PolicyOptions struct {
	CompressionQuality float64
	AllowedFormats     []string
}

// NewQuotaPlan creates a plan for total bytes split by fractions.
func NewQuotaPlan(total vo.ByteSize, fractions Fractions, opts map[domain.MediaType]PolicyOptions) (*QuotaPlan, error) {
	if fractions == nil {
		fractions = DefaultFractions()
	}
	if err := fractions.Validate(); err != nil {
		return nil, err
	}

	q := &QuotaPlan{
		total:     total,
		fractions: fractions,
		policies:  make(map[domain.MediaType]*CachePolicy, len(domain.MediaTypes)),
	}
	for _, mt := range domain.MediaTypes {
		o := opts[mt]
		q.policies[mt] = &CachePolicy{
			MediaType:          mt,
			MaxSize:            total.Fraction(fractions[mt]),
			CompressionQuality: o.CompressionQuality,
			AllowedFormats:     o.AllowedFormats,
		}
	}
	return q, nil
}

// Resize returns a new plan with the same fractions and policies over a new total
func (q *QuotaPlan) Resize(total vo.ByteSize) *QuotaPlan {
	n := &QuotaPlan{
		total:     total,
		fractions: q.fractions,
		policies:  make(map[domain.MediaType]*CachePolicy, len(q.policies)),
	}
	for mt, p := range q.policies {
		c := *p
		c.MaxSize = total.Fraction(q.fractions[mt])
		n.policies[mt] = &c
	}
	return n
}

// TotalLimit returns the global budget in bytes
func (q *QuotaPlan) TotalLimit() int64 {
	return q.total.Bytes()
}

// TypeLimit returns the sub-budget of a media type in bytes
func (q *QuotaPlan) TypeLimit(mt domain.MediaType) int64 {
	if p, ok := q.policies[mt]; ok {
		return p.MaxSize.Bytes()
	}
	return 0
}

// Policy returns the policy of a media type
func (q *QuotaPlan) Policy(mt domain.MediaType) *CachePolicy {
	return q.policies[mt]
}

// CheckItem rejects a single item that could never fit its type's budget.
func (q *QuotaPlan) CheckItem(mt domain.MediaType, size int64) error {
	limit := q.TypeLimit(mt)
	if size > limit || size > q.TotalLimit() {
		return fmt.Errorf("%w: %s item of %s exceeds budget of %s",
			domain.ErrQuotaExceeded, mt, vo.MustByteSize(size), vo.MustByteSize(limit))
	}
	return nil
}
