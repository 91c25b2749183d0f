package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Destination is a raw phone number as supplied by campaign input.
type Destination string

// Identity is a caller-ID value used to mask the originating number.
type Identity string

// NormalizedNumber carries the two forms carrier legs are addressed with.
type NormalizedNumber struct {
	// E164 is the international form, e.g. +15551234567.
	E164 string
	// Digits is the bare form with the country code prepended, e.g. 15551234567.
	Digits string
}

// IdentityPool is the set of identities usable for caller-ID masking.
type IdentityPool struct {
	identities []Identity
}

// NewIdentityPool builds a pool from the keys of an identity mapping. Keys are
// sorted so that a seeded random source always yields the same picks.
func NewIdentityPool[V any](mapping map[string]V) IdentityPool {
	ids := make([]Identity, 0, len(mapping))
	for k := range mapping {
		if k == "" {
			continue
		}
		ids = append(ids, Identity(k))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return IdentityPool{identities: ids}
}

// Len returns the number of identities in the pool.
func (p IdentityPool) Len() int {
	return len(p.identities)
}

// Pick returns a uniformly random identity drawn from rng.
func (p IdentityPool) Pick(rng Rand) (Identity, bool) {
	if len(p.identities) == 0 {
		return "", false
	}
	return p.identities[rng.Intn(len(p.identities))], true
}

// Rand is the randomness the dispatcher consumes. *math/rand.Rand satisfies it.
type Rand interface {
	Intn(n int) int
	Int63n(n int64) int64
}

// Progress is a loaded snapshot of the progress ledger.
type Progress struct {
	attempted map[Destination]struct{}
	order     []Destination
}

// NewProgress builds a snapshot from ledger records in file order.
func NewProgress(records []Destination) *Progress {
	p := &Progress{attempted: make(map[Destination]struct{}, len(records))}
	for _, r := range records {
		p.add(r)
	}
	return p
}

func (p *Progress) add(d Destination) {
	if _, ok := p.attempted[d]; ok {
		return
	}
	p.attempted[d] = struct{}{}
	p.order = append(p.order, d)
}

// Has reports whether the destination was already attempted in this campaign.
func (p *Progress) Has(d Destination) bool {
	if p == nil {
		return false
	}
	_, ok := p.attempted[d]
	return ok
}

// Len returns the number of distinct attempted destinations.
func (p *Progress) Len() int {
	if p == nil {
		return 0
	}
	return len(p.order)
}

// Records returns the distinct attempted destinations in ledger order.
func (p *Progress) Records() []Destination {
	if p == nil {
		return nil
	}
	out := make([]Destination, len(p.order))
	copy(out, p.order)
	return out
}

// DialLeg is one candidate route inside a failover chain.
type DialLeg struct {
	Carrier string
	Address string
	Timeout time.Duration
}

// ChainParam is one call-scoped variable applied to whichever leg answers.
type ChainParam struct {
	Name  string
	Value string
}

// DialChain is the transient instruction submitted for one destination.
type DialChain struct {
	CallID           uuid.UUID
	Destination      Destination
	Number           NormalizedNumber
	Identity         Identity
	AuthIdentity     string
	TransferTarget   string
	Codec            string
	ContinueOnFail   bool
	IgnoreEarlyMedia bool
	Legs             []DialLeg
	Params           []ChainParam
	Application      string
}

// Param returns the value of a call-scoped variable.
func (c DialChain) Param(name string) (string, bool) {
	for _, p := range c.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// SubmissionStatus enumerates the outcomes of handing a chain to the switch.
type SubmissionStatus string

const (
	SubmissionAccepted SubmissionStatus = "accepted"
	SubmissionFailed   SubmissionStatus = "failed"
	SubmissionTimedOut SubmissionStatus = "timed_out"
	SubmissionInvalid  SubmissionStatus = "invalid"
)

// SubmissionRecord captures one submission attempt for audit and event consumers.
type SubmissionRecord struct {
	ID          uuid.UUID
	Campaign    string
	CallID      uuid.UUID
	Destination Destination
	Identity    Identity
	Status      SubmissionStatus
	JobID       string
	Error       string
	DialString  string
	SubmittedAt time.Time
	Duration    time.Duration
}
