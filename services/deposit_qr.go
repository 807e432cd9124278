package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/png"
	"net/url"

	"github.com/skip2/go-qrcode"

	"agentwork-backend/core/marketplace"
	storage "agentwork-backend/storage/marketplace"
)

// DepositInstructions tell a poster where to send a task's escrow.
type DepositInstructions struct {
	TaskID     string           `json:"task_id"`
	To         string           `json:"to"`
	Amount     marketplace.USDC `json:"amount_usdc"`
	PaymentURI string           `json:"payment_uri"`
	QRCodePNG  string           `json:"qr_code_png_base64"`
	Funded     bool             `json:"funded"`
}

const depositQRSize = 256

// DepositInstructions returns the transfer the poster must make, with a QR code of the payment URI.
func (s *EscrowService) DepositInstructions(ctx context.Context, caller marketplace.Identity, taskID string) (DepositInstructions, error) {
	var task marketplace.Task
	err := s.Store.View(ctx, func(tx storage.Tx) error {
		var err error
		task, err = tx.GetTask(taskID)
		return err
	})
	if err != nil {
		return DepositInstructions{}, err
	}
	if err := authorize(caller.Is(task.PostedBy) || caller.Admin, "only the poster can fund task %s", task.ID); err != nil {
		return DepositInstructions{}, err
	}

	uri := paymentURI(s.Config.PlatformWallet, task.Budget, task.ID)
	png, err := encodeQR(uri)
	if err != nil {
		return DepositInstructions{}, err
	}
	return DepositInstructions{
		TaskID:     task.ID,
		To:         s.Config.PlatformWallet,
		Amount:     task.Budget,
		PaymentURI: uri,
		QRCodePNG:  base64.StdEncoding.EncodeToString(png),
		Funded:     task.HasEscrow(),
	}, nil
}

func paymentURI(wallet string, amount marketplace.USDC, memo string) string {
	q := url.Values{}
	q.Set("amount", amount.String())
	q.Set("memo", memo)
	return "usdc:" + wallet + "?" + q.Encode()
}

func encodeQR(content string) ([]byte, error) {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, qr.Image(depositQRSize)); err != nil {
		return nil, fmt.Errorf("failed to encode QR code to PNG: %w", err)
	}
	return buf.Bytes(), nil
}
