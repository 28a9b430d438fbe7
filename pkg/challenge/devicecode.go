// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package challenge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/authrim/authrim/pkg/actor"
)

// Device flow errors, named after the RFC 8628 token error codes they map
// to.
var (
	ErrAuthorizationPending = errors.New("challenge: authorization pending")
	ErrSlowDown             = errors.New("challenge: slow down")
	ErrAccessDenied         = errors.New("challenge: access denied")
	ErrExpiredToken         = errors.New("challenge: device code expired")
)

// DefaultPollInterval is the minimum seconds between device polls.
const DefaultPollInterval = 5 * time.Second

const (
	deviceStatusPending  = "pending"
	deviceStatusApproved = "approved"
	deviceStatusDenied   = "denied"
	deviceStatusRedeemed = "redeemed"
)

// DeviceGrant is what Authorize hands back to the device.
type DeviceGrant struct {
	DeviceCode string
	UserCode   string
	Interval   time.Duration
	ExpiresAt  time.Time
}

// DeviceApproval is the one-time result of a successful poll.
type DeviceApproval struct {
	UserID   string
	ClientID string
	Scope    []string
}

type deviceRecord struct {
	UserCode  string    `json:"user_code"`
	ClientID  string    `json:"client_id"`
	Scope     []string  `json:"scope"`
	Status    string    `json:"status"`
	UserID    string    `json:"user_id,omitempty"`
	LastPoll  time.Time `json:"last_poll,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

type deviceState struct {
	Version int                      `json:"version"`
	Codes   map[string]*deviceRecord `json:"codes"`     // device code -> record
	ByUser  map[string]string        `json:"user_index"` // user code -> device code
}

// DeviceCodeStore drives the RFC 8628 device authorization grant.
type DeviceCodeStore struct {
	actor.Base

	interval    time.Duration
	now         func() time.Time
	initialized bool
	state       deviceState
}

// NewDeviceCodeStore creates the device flow instance.
func NewDeviceCodeStore(name string, store actor.Store) *DeviceCodeStore {
	s := &DeviceCodeStore{
		Base:     actor.NewBase(name, store),
		interval: DefaultPollInterval,
		now:      time.Now,
	}
	s.StartAlarm(actor.DefaultCleanupInterval, s.sweep)
	return s
}

func (s *DeviceCodeStore) initialize(ctx context.Context) error {
	if s.initialized {
		return nil
	}
	found, err := s.LoadState(ctx, &s.state)
	if err != nil {
		return err
	}
	if !found {
		s.state = deviceState{
			Version: 1,
			Codes:   make(map[string]*deviceRecord),
			ByUser:  make(map[string]string),
		}
	} else {
		if s.state.Codes == nil {
			s.state.Codes = make(map[string]*deviceRecord)
		}
		if s.state.ByUser == nil {
			s.state.ByUser = make(map[string]string)
		}
	}
	s.initialized = true
	return nil
}

// Authorize starts a device flow: mints the device code the device polls
// with and the short user code a human types in.
func (s *DeviceCodeStore) Authorize(ctx context.Context, clientID string, scope []string, ttl time.Duration) (*DeviceGrant, error) {
	if clientID == "" {
		return nil, errors.New("challenge: client id cannot be empty")
	}
	if ttl <= 0 {
		return nil, errors.New("challenge: ttl must be positive")
	}

	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return nil, err
	}

	deviceCode := randomDeviceCode()
	userCode := randomUserCode()
	record := &deviceRecord{
		UserCode:  userCode,
		ClientID:  clientID,
		Scope:     append([]string(nil), scope...),
		Status:    deviceStatusPending,
		ExpiresAt: s.now().Add(ttl),
	}

	s.state.Codes[deviceCode] = record
	s.state.ByUser[userCode] = deviceCode
	if err := s.SaveState(ctx, &s.state); err != nil {
		delete(s.state.Codes, deviceCode)
		delete(s.state.ByUser, userCode)
		return nil, err
	}

	return &DeviceGrant{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		Interval:   s.interval,
		ExpiresAt:  record.ExpiresAt,
	}, nil
}

// Poll is the device's token-endpoint check. An approved flow redeems
// exactly once; every later poll reports the code as expired.
func (s *DeviceCodeStore) Poll(ctx context.Context, deviceCode, clientID string) (*DeviceApproval, error) {
	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return nil, err
	}

	record, ok := s.state.Codes[deviceCode]
	if !ok || record.ClientID != clientID {
		return nil, ErrExpiredToken
	}

	now := s.now()
	if !now.Before(record.ExpiresAt) || record.Status == deviceStatusRedeemed {
		return nil, ErrExpiredToken
	}

	switch record.Status {
	case deviceStatusDenied:
		return nil, ErrAccessDenied
	case deviceStatusPending:
		prevPoll := record.LastPoll
		record.LastPoll = now
		if err := s.SaveState(ctx, &s.state); err != nil {
			record.LastPoll = prevPoll
			return nil, err
		}
		if !prevPoll.IsZero() && now.Sub(prevPoll) < s.interval {
			return nil, ErrSlowDown
		}
		return nil, ErrAuthorizationPending
	case deviceStatusApproved:
		record.Status = deviceStatusRedeemed
		if err := s.SaveState(ctx, &s.state); err != nil {
			record.Status = deviceStatusApproved
			return nil, err
		}
		return &DeviceApproval{
			UserID:   record.UserID,
			ClientID: record.ClientID,
			Scope:    append([]string(nil), record.Scope...),
		}, nil
	default:
		return nil, fmt.Errorf("challenge: corrupt device record status %q", record.Status)
	}
}

// Approve binds the authenticated user to the flow identified by the user
// code.
func (s *DeviceCodeStore) Approve(ctx context.Context, userCode, userID string) error {
	return s.decide(ctx, userCode, deviceStatusApproved, userID)
}

// Deny rejects the flow identified by the user code.
func (s *DeviceCodeStore) Deny(ctx context.Context, userCode string) error {
	return s.decide(ctx, userCode, deviceStatusDenied, "")
}

func (s *DeviceCodeStore) decide(ctx context.Context, userCode, status, userID string) error {
	if status == deviceStatusApproved && userID == "" {
		return errors.New("challenge: approval requires a user id")
	}

	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return err
	}

	deviceCode, ok := s.state.ByUser[strings.ToUpper(userCode)]
	if !ok {
		return ErrExpiredToken
	}
	record, ok := s.state.Codes[deviceCode]
	if !ok || !s.now().Before(record.ExpiresAt) {
		return ErrExpiredToken
	}
	if record.Status != deviceStatusPending {
		return fmt.Errorf("challenge: device flow already %s", record.Status)
	}

	prevStatus, prevUser := record.Status, record.UserID
	record.Status = status
	record.UserID = userID
	if err := s.SaveState(ctx, &s.state); err != nil {
		record.Status = prevStatus
		record.UserID = prevUser
		return err
	}
	return nil
}

func (s *DeviceCodeStore) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		slog.Error("device sweep: initialize failed", "instance", s.Name(), "error", err)
		return
	}

	now := s.now()
	removedCodes := make(map[string]*deviceRecord)
	for code, record := range s.state.Codes {
		if !now.Before(record.ExpiresAt) || record.Status == deviceStatusRedeemed {
			removedCodes[code] = record
			delete(s.state.Codes, code)
			delete(s.state.ByUser, record.UserCode)
		}
	}
	if len(removedCodes) == 0 {
		return
	}

	if err := s.SaveState(ctx, &s.state); err != nil {
		for code, record := range removedCodes {
			s.state.Codes[code] = record
			s.state.ByUser[record.UserCode] = code
		}
		slog.Error("device sweep: save failed", "instance", s.Name(), "error", err)
	}
}

func randomDeviceCode() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// randomUserCode produces the short human-typed code, e.g. "BCDF-GHJK".
// The alphabet omits vowels and look-alikes.
func randomUserCode() string {
	const alphabet = "BCDFGHJKLMNPQRSTVWXZ"
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	out := make([]byte, 0, 9)
	for i, b := range buf {
		if i == 4 {
			out = append(out, '-')
		}
		out = append(out, alphabet[int(b)%len(alphabet)])
	}
	return string(out)
}
