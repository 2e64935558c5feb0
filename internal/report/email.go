package report

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Email sends an HTML report through mailx.
type Email struct {
	SMTP    string
	To      string
	ReplyTo string
	CC      []string
	// Host is used for the sender address.
	Host string
	// Mailx overrides the mailx binary.
	Mailx string
}

// Args returns the mailx arguments for a message with the given subject.
func (e Email) Args(subject string) []string {
	args := []string{
		"-s", subject + "\r\nContent-Type: text/html",
		"-S", "smtp=" + e.SMTP,
	}
	if e.ReplyTo != "" {
		args = append(args, "-S", "replyto="+e.ReplyTo)
	}
	args = append(args, "-r", fmt.Sprintf("OVN CI Automation <root@%s>", e.Host))
	if len(e.CC) > 0 {
		args = append(args, "-c", strings.Join(e.CC, ","))
	}
	return append(args, e.To)
}

// Send mails the file at reportPath as the message body.
func (e Email) Send(ctx context.Context, subject, reportPath string) error {
	body, err := os.Open(reportPath)
	if err != nil {
		return fmt.Errorf("open report file: %w", err)
	}
	defer body.Close()

	bin := e.Mailx
	if bin == "" {
		bin = "mailx"
	}
	cmd := exec.CommandContext(ctx, bin, e.Args(subject)...)
	cmd.Stdin = body
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("mailx: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
