// Package report publishes run results: the reporting sidecar, the HTML page and e-mail.
package report

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ovn-org/ovn-ci/internal/transport"
)

const (
	eventBuffer  = 1024
	eventTimeout = 2 * time.Minute
)

// CliReport forwards pipeline events to an external reporting binary. Events are
// delivered in order by a single worker; callers never wait for them and failures
// are only logged.
type CliReport struct {
	binary    string
	url       string
	label     string
	transport transport.Transport

	events chan []string
	wg     sync.WaitGroup
	once   sync.Once
}

// NewCliReport starts the event worker. arch names the host architecture in the
// pipeline label. A nil transport runs the binary locally.
func NewCliReport(binary, url, arch string, tr transport.Transport) *CliReport {
	if tr == nil {
		tr = transport.Local{}
	}
	c := &CliReport{
		binary:    binary,
		url:       url,
		label:     "ovn-ci (" + arch + ")",
		transport: tr,
		events:    make(chan []string, eventBuffer),
	}
	c.wg.Add(1)
	go c.loop()
	return c
}

func (c *CliReport) Start(hash string) {
	c.send("pipeline-start", c.label, hash, c.url)
}

func (c *CliReport) Finish(success bool) {
	args := []string{"pipeline-finish"}
	if !success {
		args = append(args, "--error")
	}
	c.send(append(args, c.url)...)
}

func (c *CliReport) TestResult(name string, success bool) {
	args := []string{"pipeline-result"}
	if !success {
		args = append(args, "--failed")
	}
	c.send(append(args, c.url, name)...)
}

// Close delivers the pending events and stops the worker.
func (c *CliReport) Close() {
	c.once.Do(func() { close(c.events) })
	c.wg.Wait()
}

func (c *CliReport) send(args ...string) {
	c.events <- args
}

func (c *CliReport) loop() {
	defer c.wg.Done()
	for args := range c.events {
		c.invoke(args)
	}
}

func (c *CliReport) invoke(args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	out, err := c.transport.Output(ctx, transport.Command{Program: c.binary, Args: args})
	if err == nil {
		err = out.StatusOK()
	}
	if err != nil {
		log.Warn().Err(err).Str("binary", c.binary).Str("event", args[0]).Msg("Couldn't run cli report")
	}
}
