package google

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"voicecal/internal/pipeline"
)

// Mailer sends messages through the Gmail API as the authenticated user.
type Mailer struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewMailer creates a new Gmail mailer.
func NewMailer(ctx context.Context, logger *slog.Logger, httpClient *http.Client, opts ...option.ClientOption) (*Mailer, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	service, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return &Mailer{service: service, logger: logger}, nil
}

// Send delivers msg.
func (m *Mailer) Send(ctx context.Context, msg pipeline.Message) error {
	raw, err := buildMIME(msg)
	if err != nil {
		return fmt.Errorf("failed to build message: %w", err)
	}
	sent, err := m.service.Users.Messages.Send("me", &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	m.logger.Debug("Sent email.", "id", sent.Id, "subject", msg.Subject)
	return nil
}

// buildMIME renders msg as an RFC 5322 message. Messages with attachments
// become multipart/mixed.
func buildMIME(msg pipeline.Message) ([]byte, error) {
	var buf bytes.Buffer
	if msg.From != "" {
		fmt.Fprintf(&buf, "From: %s\r\n", msg.From)
	}
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")

	if len(msg.Attachments) == 0 {
		buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
		buf.WriteString(msg.Body)
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mw.Boundary())

	body, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {`text/plain; charset="utf-8"`},
	})
	if err != nil {
		return nil, err
	}
	if _, err := body.Write([]byte(msg.Body)); err != nil {
		return nil, err
	}

	for _, a := range msg.Attachments {
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {mime.FormatMediaType(a.ContentType, map[string]string{"name": a.Name})},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": a.Name})},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := part.Write([]byte(wrapBase64(a.Data))); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func wrapBase64(data []byte) string {
	enc := base64.StdEncoding.EncodeToString(data)
	var b strings.Builder
	for len(enc) > 76 {
		b.WriteString(enc[:76])
		b.WriteString("\r\n")
		enc = enc[76:]
	}
	b.WriteString(enc)
	return b.String()
}
