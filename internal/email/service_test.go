package email

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

type recordingSender struct {
	messages []*gomail.Message
	err      error
}

func (r *recordingSender) DialAndSend(m ...*gomail.Message) error {
	r.messages = append(r.messages, m...)
	return r.err
}

func render(t *testing.T, m *gomail.Message) string {
	t.Helper()
	var buf bytes.Buffer
	_, err := m.WriteTo(&buf)
	require.NoError(t, err)
	return buf.String()
}

func TestSendConsentRequest(t *testing.T) {
	sender := &recordingSender{}
	svc := NewService(sender, "noreply@consent.local")

	err := svc.SendConsentRequest(context.Background(), "pat@example.com", "Pat", "Dr. Lee", "City Clinic")
	require.NoError(t, err)
	require.Len(t, sender.messages, 1)

	m := sender.messages[0]
	assert.Equal(t, []string{"pat@example.com"}, m.GetHeader("To"))
	assert.Equal(t, []string{"noreply@consent.local"}, m.GetHeader("From"))
	assert.Contains(t, render(t, m), "Dr. Lee (City Clinic) has requested access")
}

func TestSendEmergencyAccess(t *testing.T) {
	sender := &recordingSender{}
	svc := NewService(sender, "noreply@consent.local")

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, svc.SendEmergencyAccess(context.Background(), "pat@example.com", "Pat", at))
	require.Len(t, sender.messages, 1)
	assert.Equal(t, []string{"Emergency access to your health record"}, sender.messages[0].GetHeader("Subject"))
}

func TestSendCustom_Failures(t *testing.T) {
	sender := &recordingSender{err: errors.New("connection refused")}
	svc := NewService(sender, "noreply@consent.local")

	err := svc.SendCustom(context.Background(), "pat@example.com", "s", "b")
	assert.ErrorContains(t, err, "connection refused")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = svc.SendCustom(ctx, "pat@example.com", "s", "b")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, sender.messages, 1)
}
