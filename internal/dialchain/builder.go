// Package dialchain turns a destination and a masking identity into an ordered
// failover chain of carrier legs.
package dialchain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acme/failover-dialer/internal/config"
	"github.com/acme/failover-dialer/internal/domain"
	apperrors "github.com/acme/failover-dialer/pkg/errors"
)

// Variable names understood by the switch.
const (
	VarOriginationUUID   = "origination_uuid"
	VarCodec             = "absolute_codec_string"
	VarTransferTarget    = "transfer_to_num"
	VarMaskNumber        = "mask_num"
	VarOriginationCIDNum = "origination_caller_id_number"
	VarEffectiveCIDNum   = "effective_caller_id_number"
	VarEffectiveCIDName  = "effective_caller_id_name"
	VarIgnoreEarlyMedia  = "ignore_early_media"
	VarContinueOnFail    = "continue_on_fail"
)

// Builder is a pure function of the static carrier configuration.
type Builder struct {
	carriers       []config.CarrierConfig
	legTimeout     time.Duration
	countryCode    string
	codec          string
	transferTarget string
	authIdentity   string
	authVariable   string
	extra          []domain.ChainParam
	application    string
}

// NewBuilder captures the chain configuration. The carrier slice is copied so
// later edits to the config cannot reorder legs.
func NewBuilder(cfg config.ChainConfig) *Builder {
	carriers := make([]config.CarrierConfig, len(cfg.Carriers))
	copy(carriers, cfg.Carriers)

	countryCode := cfg.CountryCode
	if countryCode == "" {
		countryCode = "1"
	}

	names := make([]string, 0, len(cfg.ExtraVariables))
	for name := range cfg.ExtraVariables {
		names = append(names, name)
	}
	sort.Strings(names)
	extra := make([]domain.ChainParam, 0, len(names))
	for _, name := range names {
		extra = append(extra, domain.ChainParam{Name: name, Value: cfg.ExtraVariables[name]})
	}

	return &Builder{
		carriers:       carriers,
		legTimeout:     cfg.LegTimeout,
		countryCode:    countryCode,
		codec:          cfg.Codec,
		transferTarget: cfg.TransferTarget,
		authIdentity:   cfg.AuthIdentity,
		authVariable:   cfg.AuthVariable,
		extra:          extra,
		application:    cfg.Application,
	}
}

// Normalize uses the builder's country code.
func (b *Builder) Normalize(raw domain.Destination) (domain.NormalizedNumber, error) {
	return Normalize(raw, b.countryCode)
}

// Normalize strips everything but digits and prepends the country code when it
// is missing. Applying it to its own output yields the same result.
func Normalize(raw domain.Destination, countryCode string) (domain.NormalizedNumber, error) {
	var sb strings.Builder
	for _, r := range string(raw) {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	digits := sb.String()
	if digits == "" {
		return domain.NormalizedNumber{}, fmt.Errorf("%w: %q has no digits", apperrors.ErrInvalidNumber, raw)
	}
	if !strings.HasPrefix(digits, countryCode) {
		digits = countryCode + digits
	}
	return domain.NormalizedNumber{E164: "+" + digits, Digits: digits}, nil
}

// Build assembles the chain for one destination. Legs follow the configured
// carrier order.
func (b *Builder) Build(dest domain.Destination, number domain.NormalizedNumber, identity domain.Identity, callID uuid.UUID) domain.DialChain {
	addr := strings.NewReplacer("{e164}", number.E164, "{digits}", number.Digits)

	legs := make([]domain.DialLeg, 0, len(b.carriers))
	for _, carrier := range b.carriers {
		legs = append(legs, domain.DialLeg{
			Carrier: carrier.Name,
			Address: addr.Replace(carrier.Address),
			Timeout: b.legTimeout,
		})
	}

	callerID := b.authIdentity
	if callerID == "" {
		callerID = string(identity)
	}

	params := []domain.ChainParam{
		{Name: VarOriginationUUID, Value: callID.String()},
	}
	if b.codec != "" {
		params = append(params, domain.ChainParam{Name: VarCodec, Value: b.codec})
	}
	if b.transferTarget != "" {
		params = append(params, domain.ChainParam{Name: VarTransferTarget, Value: b.transferTarget})
	}
	if b.authVariable != "" && b.authIdentity != "" {
		params = append(params, domain.ChainParam{Name: b.authVariable, Value: b.authIdentity})
	}
	params = append(params,
		domain.ChainParam{Name: VarMaskNumber, Value: string(identity)},
		domain.ChainParam{Name: VarOriginationCIDNum, Value: callerID},
		domain.ChainParam{Name: VarEffectiveCIDNum, Value: string(identity)},
		domain.ChainParam{Name: VarEffectiveCIDName, Value: string(identity)},
		domain.ChainParam{Name: VarIgnoreEarlyMedia, Value: "true"},
		domain.ChainParam{Name: VarContinueOnFail, Value: "true"},
	)

	reserved := make(map[string]struct{}, len(params))
	for _, p := range params {
		reserved[p.Name] = struct{}{}
	}
	for _, p := range b.extra {
		if _, ok := reserved[p.Name]; ok {
			continue
		}
		params = append(params, p)
	}

	return domain.DialChain{
		CallID:           callID,
		Destination:      dest,
		Number:           number,
		Identity:         identity,
		AuthIdentity:     b.authIdentity,
		TransferTarget:   b.transferTarget,
		Codec:            b.codec,
		ContinueOnFail:   true,
		IgnoreEarlyMedia: true,
		Legs:             legs,
		Params:           params,
		Application:      b.application,
	}
}
