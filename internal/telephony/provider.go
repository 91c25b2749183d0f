package telephony

import (
	"context"

	"github.com/acme/failover-dialer/internal/domain"
)

// Result captures what the switch told us when it accepted a submission. It
// says nothing about whether the call was ever answered.
type Result struct {
	JobID      string
	DialString string
}

// Originator hands a dial chain to the external call-origination engine. The
// call returns once the submission itself is accepted or rejected.
type Originator interface {
	Submit(ctx context.Context, chain domain.DialChain) (Result, error)
}
