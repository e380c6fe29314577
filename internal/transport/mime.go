package transport

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TrackingHeader carries the message tracking id through the SMTP path
const TrackingHeader = "X-Coldforge-Tracking-ID"

// reserved headers are written by buildMIME and cannot be overridden
var reservedHeaders = map[string]bool{
	"From":                      true,
	"To":                        true,
	"Subject":                   true,
	"Date":                      true,
	"Message-Id":                true,
	"Mime-Version":              true,
	"Content-Type":              true,
	"Content-Transfer-Encoding": true,
}

// buildMIME renders msg as an RFC 5322 message and returns it with the
// generated Message-ID (without angle brackets)
func buildMIME(msg *Message, now time.Time) ([]byte, string, error) {
	domain := domainOf(msg.From)
	if domain == "" {
		domain = "localhost"
	}
	messageID := uuid.New().String() + "@" + domain

	var buf bytes.Buffer
	writeHeader(&buf, "From", (&mail.Address{Name: msg.FromName, Address: msg.From}).String())
	writeHeader(&buf, "To", (&mail.Address{Name: msg.ToName, Address: msg.To}).String())
	if msg.ReplyTo != "" {
		writeHeader(&buf, "Reply-To", msg.ReplyTo)
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(&buf, "Date", now.Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", "<"+messageID+">")
	writeHeader(&buf, "MIME-Version", "1.0")
	if msg.TrackingID != "" {
		writeHeader(&buf, TrackingHeader, msg.TrackingID)
	}

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		if reservedHeaders[textproto.CanonicalMIMEHeaderKey(k)] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeHeader(&buf, k, msg.Headers[k])
	}

	switch {
	case msg.HTMLBody != "" && msg.TextBody != "":
		mw := multipart.NewWriter(&buf)
		writeHeader(&buf, "Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", mw.Boundary()))
		buf.WriteString("\r\n")
		if err := writePart(mw, "text/plain; charset=utf-8", msg.TextBody); err != nil {
			return nil, "", err
		}
		if err := writePart(mw, "text/html; charset=utf-8", msg.HTMLBody); err != nil {
			return nil, "", err
		}
		if err := mw.Close(); err != nil {
			return nil, "", err
		}
	case msg.HTMLBody != "":
		if err := writeSinglePart(&buf, "text/html; charset=utf-8", msg.HTMLBody); err != nil {
			return nil, "", err
		}
	default:
		if err := writeSinglePart(&buf, "text/plain; charset=utf-8", msg.TextBody); err != nil {
			return nil, "", err
		}
	}

	return buf.Bytes(), messageID, nil
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	// strip CR/LF to prevent header injection
	value = strings.NewReplacer("\r", "", "\n", "").Replace(value)
	key = strings.NewReplacer("\r", "", "\n", "", ":", "").Replace(key)
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func writePart(mw *multipart.Writer, contentType, body string) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", contentType)
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	w, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(body)); err != nil {
		return err
	}
	return qp.Close()
}

func writeSinglePart(buf *bytes.Buffer, contentType, body string) error {
	writeHeader(buf, "Content-Type", contentType)
	writeHeader(buf, "Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")
	qp := quotedprintable.NewWriter(buf)
	if _, err := qp.Write([]byte(body)); err != nil {
		return err
	}
	return qp.Close()
}

func domainOf(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}
