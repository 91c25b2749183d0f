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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acme/failover-dialer/internal/config"
	apperrors "github.com/acme/failover-dialer/pkg/errors"
	"github.com/acme/failover-dialer/pkg/logger"
)

type fakeSession struct {
	mu       sync.Mutex
	commands []string
	reply    string
	err      error
	block    chan struct{}
	closed   bool
}

func (s *fakeSession) Send(command string) (string, error) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	block := s.block
	s.mu.Unlock()
	if block != nil {
		<-block
		return "", errors.New("connection closed")
	}
	return s.reply, s.err
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.block != nil {
		close(s.block)
	}
}

func newTestOriginator(dial dialFunc) *Originator {
	o := NewOriginator(config.SwitchConfig{Address: "127.0.0.1:8021", Password: "ClueCon", DialTimeout: time.Second}, logger.NewNop())
	o.dial = dial
	return o
}

func TestSubmitReturnsJobID(t *testing.T) {
	sess := &fakeSession{reply: "+OK Job-UUID: 7f4de4bc-17d7-11dd-b7a0-db4edd065621"}
	dials := 0
	o := newTestOriginator(func(addr, password string) (session, error) {
		dials++
		require.Equal(t, "ClueCon", password)
		return sess, nil
	})

	res, err := o.Submit(context.Background(), sampleChain())
	require.NoError(t, err)
	require.Equal(t, "7f4de4bc-17d7-11dd-b7a0-db4edd065621", res.JobID)
	require.Equal(t, DialString(sampleChain()), res.DialString)

	_, err = o.Submit(context.Background(), sampleChain())
	require.NoError(t, err)
	require.Equal(t, 1, dials, "connection should be reused")
	require.Len(t, sess.commands, 2)
	require.True(t, strings.HasPrefix(sess.commands[0], "bgapi originate {"))
}

func TestSubmitRejectedReplyIsSubmissionError(t *testing.T) {
	sess := &fakeSession{reply: "-ERR INVALID_GATEWAY"}
	o := newTestOriginator(func(string, string) (session, error) { return sess, nil })

	_, err := o.Submit(context.Background(), sampleChain())
	require.Error(t, err)
	require.True(t, errors.Is(err, apperrors.ErrSubmission))
	require.Contains(t, err.Error(), "INVALID_GATEWAY")
}

func TestSubmitRejectionKeepsConnection(t *testing.T) {
	sess := &fakeSession{reply: "-ERR NO_ROUTE_DESTINATION"}
	dials := 0
	o := newTestOriginator(func(string, string) (session, error) {
		dials++
		return sess, nil
	})

	_, err := o.Submit(context.Background(), sampleChain())
	require.ErrorIs(t, err, apperrors.ErrSubmission)
	require.False(t, sess.closed)

	sess.reply = "+OK Job-UUID: abc"
	res, err := o.Submit(context.Background(), sampleChain())
	require.NoError(t, err)
	require.Equal(t, "abc", res.JobID)
	require.Equal(t, 1, dials)
}

func TestIsTransportError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"eof", io.EOF, true},
		{"closed", fmt.Errorf("write: %w", net.ErrClosed), true},
		{"op error", &net.OpError{Op: "write", Net: "tcp", Err: syscall.EPIPE}, true},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"response timeout", errors.New("Timeout"), true},
		{"command rejected", errors.New("NO_ROUTE_DESTINATION"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, isTransportError(tc.err))
		})
	}
}

func TestSubmitReconnectsAfterSendFailure(t *testing.T) {
	broken := &fakeSession{err: errors.New("broken pipe")}
	healthy := &fakeSession{reply: "+OK Job-UUID: abc"}
	sessions := []*fakeSession{broken, healthy}
	o := newTestOriginator(func(string, string) (session, error) {
		s := sessions[0]
		sessions = sessions[1:]
		return s, nil
	})

	_, err := o.Submit(context.Background(), sampleChain())
	require.Error(t, err)
	require.True(t, broken.closed)

	res, err := o.Submit(context.Background(), sampleChain())
	require.NoError(t, err)
	require.Equal(t, "abc", res.JobID)
}

func TestSubmitDialFailure(t *testing.T) {
	o := newTestOriginator(func(string, string) (session, error) { return nil, errors.New("connection refused") })

	_, err := o.Submit(context.Background(), sampleChain())
	require.Error(t, err)
	require.True(t, errors.Is(err, apperrors.ErrUnavailable))
}

func TestSubmitHonoursDeadline(t *testing.T) {
	sess := &fakeSession{block: make(chan struct{})}
	o := newTestOriginator(func(string, string) (session, error) { return sess, nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := o.Submit(ctx, sampleChain())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, sess.closed)
}

func TestParseJobID(t *testing.T) {
	id, err := parseJobID("+OK Job-UUID: 1234\n")
	require.NoError(t, err)
	require.Equal(t, "1234", id)

	_, err = parseJobID("")
	require.ErrorIs(t, err, apperrors.ErrSubmission)
}
