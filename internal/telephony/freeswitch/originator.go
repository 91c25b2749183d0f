package freeswitch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fiorix/go-eventsocket/eventsocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/failover-dialer/internal/config"
	"github.com/acme/failover-dialer/internal/domain"
	"github.com/acme/failover-dialer/internal/telephony"
	apperrors "github.com/acme/failover-dialer/pkg/errors"
	"github.com/acme/failover-dialer/pkg/logger"
)

// session is the slice of an event socket connection the originator needs.
type session interface {
	Send(command string) (string, error)
	Close()
}

type dialFunc func(addr, password string) (session, error)

type eslSession struct {
	conn *eventsocket.Connection
}

// Send reports a -ERR reply as reply text, not as an error, so the caller
// keeps a connection that only rejected one command.
func (s eslSession) Send(command string) (string, error) {
	ev, err := s.conn.Send(command)
	if err != nil {
		if isTransportError(err) {
			return "", err
		}
		return "-ERR " + err.Error(), nil
	}
	return ev.Get("Reply-Text"), nil
}

// isTransportError separates socket failures from command rejections, which
// eventsocket surfaces as plain errors carrying the reply text.
func isTransportError(err error) bool {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return true
	}
	// eventsocket's unexported response timeout
	return err.Error() == "Timeout"
}

func (s eslSession) Close() {
	s.conn.Close()
}

func dialESL(addr, password string) (session, error) {
	conn, err := eventsocket.Dial(addr, password)
	if err != nil {
		return nil, err
	}
	return eslSession{conn: conn}, nil
}

// Originator submits dial chains to FreeSWITCH over a persistent inbound event
// socket connection, reconnecting after any failure.
type Originator struct {
	addr        string
	password    string
	dialTimeout time.Duration
	dial        dialFunc
	logger      *logger.Logger

	mu   sync.Mutex
	sess session
}

// NewOriginator constructs an originator. The connection is opened lazily on
// the first submission.
func NewOriginator(cfg config.SwitchConfig, lg *logger.Logger) *Originator {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Originator{
		addr:        cfg.Address,
		password:    cfg.Password,
		dialTimeout: timeout,
		dial:        dialESL,
		logger:      lg,
	}
}

type sendResult struct {
	reply string
	err   error
}

// Submit issues a background originate. It returns once FreeSWITCH has queued
// the job; the call itself proceeds asynchronously inside the switch.
func (o *Originator) Submit(ctx context.Context, chain domain.DialChain) (telephony.Result, error) {
	cmd := OriginateCommand(chain)
	result := telephony.Result{DialString: DialString(chain)}

	tracer := otel.Tracer("dialer.freeswitch")
	ctx, span := tracer.Start(ctx, "freeswitch.originate", trace.WithAttributes(
		attribute.String("call.id", chain.CallID.String()),
		attribute.Int("legs", len(chain.Legs)),
	))
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()

	sess, err := o.connect(ctx)
	if err != nil {
		span.RecordError(err)
		return result, err
	}

	ch := make(chan sendResult, 1)
	go func() {
		reply, err := sess.Send(cmd)
		ch <- sendResult{reply: reply, err: err}
	}()

	var res sendResult
	select {
	case <-ctx.Done():
		// closing the socket unblocks the pending Send
		o.dropLocked()
		span.RecordError(ctx.Err())
		return result, fmt.Errorf("freeswitch: originate: %w", ctx.Err())
	case res = <-ch:
	}

	if res.err != nil {
		o.dropLocked()
		span.RecordError(res.err)
		return result, fmt.Errorf("%w: freeswitch: originate: %v", apperrors.ErrSubmission, res.err)
	}

	jobID, err := parseJobID(res.reply)
	if err != nil {
		span.RecordError(err)
		return result, err
	}
	result.JobID = jobID
	span.SetAttributes(attribute.String("job.id", jobID))
	return result, nil
}

// Close drops the event socket connection.
func (o *Originator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropLocked()
	return nil
}

func (o *Originator) connect(ctx context.Context) (session, error) {
	if o.sess != nil {
		return o.sess, nil
	}

	dctx, cancel := context.WithTimeout(ctx, o.dialTimeout)
	defer cancel()

	type dialResult struct {
		sess session
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		s, err := o.dial(o.addr, o.password)
		ch <- dialResult{sess: s, err: err}
	}()

	select {
	case <-dctx.Done():
		go func() {
			if r := <-ch; r.sess != nil {
				r.sess.Close()
			}
		}()
		return nil, fmt.Errorf("%w: freeswitch: dial %s: %v", apperrors.ErrUnavailable, o.addr, dctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%w: freeswitch: dial %s: %v", apperrors.ErrUnavailable, o.addr, r.err)
		}
		o.logger.Info("freeswitch: event socket connected", zap.String("address", o.addr))
		o.sess = r.sess
		return r.sess, nil
	}
}

func (o *Originator) dropLocked() {
	if o.sess == nil {
		return
	}
	o.sess.Close()
	o.sess = nil
	o.logger.Warn("freeswitch: event socket dropped", zap.String("address", o.addr))
}

var errEmptyReply = errors.New("empty reply")

// parseJobID extracts the job uuid from "+OK Job-UUID: <uuid>".
func parseJobID(reply string) (string, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", fmt.Errorf("%w: freeswitch: %v", apperrors.ErrSubmission, errEmptyReply)
	}
	if !strings.HasPrefix(reply, "+OK") {
		return "", fmt.Errorf("%w: freeswitch: %s", apperrors.ErrSubmission, reply)
	}
	rest := strings.TrimSpace(strings.TrimPrefix(reply, "+OK"))
	return strings.TrimSpace(strings.TrimPrefix(rest, "Job-UUID:")), nil
}
