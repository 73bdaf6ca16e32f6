package codec

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type delivery struct {
	PaymentID string `json:"paymentId"`
	Buyer     string `json:"buyer"`
}

func TestRoundTrip(t *testing.T) {
	c, err := New("secret", time.Hour)
	require.NoError(t, err)

	tok, err := c.Encode(delivery{PaymentID: "p1", Buyer: "0xb"})
	require.NoError(t, err)

	var got delivery
	require.NoError(t, c.Decode(tok, &got))
	require.Equal(t, delivery{PaymentID: "p1", Buyer: "0xb"}, got)
}

func TestTampered(t *testing.T) {
	c, _ := New("secret", time.Hour)
	other, _ := New("other", time.Hour)

	tok, err := c.Encode(delivery{PaymentID: "p1"})
	require.NoError(t, err)

	var got delivery
	require.ErrorIs(t, other.Decode(tok, &got), ErrIntegrity, "wrong key")

	parts := strings.Split(tok, ".")
	forged, _ := other.Encode(delivery{PaymentID: "p2"})
	parts[1] = strings.Split(forged, ".")[1]
	require.ErrorIs(t, c.Decode(strings.Join(parts, "."), &got), ErrIntegrity, "swapped payload")

	require.ErrorIs(t, c.Decode("not-a-token", &got), ErrIntegrity)
}

func TestExpired(t *testing.T) {
	c, _ := New("secret", time.Hour)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.SetNowFunc(func() time.Time { return t0 })

	tok, err := c.Encode(delivery{PaymentID: "p1"})
	require.NoError(t, err)

	var got delivery

	c.SetNowFunc(func() time.Time { return t0.Add(30 * time.Minute) })
	require.NoError(t, c.Decode(tok, &got))

	c.SetNowFunc(func() time.Time { return t0.Add(2 * time.Hour) })
	require.ErrorIs(t, c.Decode(tok, &got), ErrExpired)
}

func TestNoSecret(t *testing.T) {
	_, err := New("", time.Hour)
	require.ErrorIs(t, err, ErrNoSecret)
}
