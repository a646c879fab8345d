package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"
)

var ErrInvalidInvite = errors.New("invalid or expired invite")

const inviteTTL = 24 * time.Hour

// InviteService produces shareable contest invites as QR codes. Invites
// are a convenience projection kept in Redis with a TTL; redeeming one just
// resolves the contest id, joining still goes through the join path.
type InviteService struct {
	db    *sql.DB
	redis *redis.Client
}

func NewInviteService(db *sql.DB, redisClient *redis.Client) *InviteService {
	return &InviteService{db: db, redis: redisClient}
}

// GenerateInviteQR creates an invite token for the contest and renders it
// as a base64 PNG QR code.
func (s *InviteService) GenerateInviteQR(ctx context.Context, contestID string) (string, string, error) {
	if s.redis == nil {
		return "", "", errors.New("invites unavailable without redis")
	}

	var inviteCode string
	err := s.db.QueryRowContext(ctx,
		`SELECT invite_code FROM contest_instances WHERE id = $1`, contestID).Scan(&inviteCode)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrContestNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("invite lookup: %w", err)
	}

	payload, err := json.Marshal(map[string]any{
		"contestId":  contestID,
		"inviteCode": inviteCode,
		"timestamp":  time.Now().Unix(),
		"nonce":      generateNonce(),
	})
	if err != nil {
		return "", "", err
	}

	token := base64.URLEncoding.EncodeToString(payload)
	if err := s.redis.Set(ctx, "invite:"+token, payload, inviteTTL).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(token, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	return token, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// RedeemInvite resolves an invite token to its contest id. Tokens are
// single-use.
func (s *InviteService) RedeemInvite(ctx context.Context, token string) (string, error) {
	if s.redis == nil {
		return "", ErrInvalidInvite
	}

	data, err := s.redis.Get(ctx, "invite:"+token).Bytes()
	if err == redis.Nil {
		return "", ErrInvalidInvite
	}
	if err != nil {
		return "", err
	}

	var payload struct {
		ContestID string `json:"contestId"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", err
	}

	s.redis.Del(ctx, "invite:"+token)
	return payload.ContestID, nil
}

func generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
