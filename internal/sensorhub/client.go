// Package sensorhub talks to the bench's analog input hub over its
// serial-to-TCP bridge. The hub speaks a line protocol: "READ <port>" is
// answered with "OK <volts>", and after "STREAM ON" the hub pushes
// "EV <port> <volts>" lines on every input change.
package sensorhub

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Client implements both sensor backend modes: ReadVoltage for polling and
// OnVoltageChange plus StartStream for push delivery.
type Client struct {
	address string
	timeout time.Duration
	ports   map[string]int // channel name -> hub port
	names   map[int]string // hub port -> channel name
	logger  *zap.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader

	handlerMu sync.Mutex
	handler   func(channel string, voltage float64)

	streaming bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func NewClient(address string, timeout time.Duration, ports map[string]int, logger *zap.Logger) *Client {
	names := make(map[int]string, len(ports))
	for name, port := range ports {
		names[port] = name
	}

	return &Client{
		address: address,
		timeout: timeout,
		ports:   ports,
		names:   names,
		logger:  logger,
	}
}

func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	conn, err := net.DialTimeout("tcp", c.address, c.timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to sensor hub at %s: %w", c.address, err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)

	c.logger.Info("Sensor hub connected", zap.String("address", c.address))
	return nil
}

// ReadVoltage polls one channel. Requests are serialized on the connection.
func (c *Client) ReadVoltage(ctx context.Context, channel string) (float64, error) {
	port, ok := c.ports[channel]
	if !ok {
		return 0, fmt.Errorf("unknown sensor channel %q", channel)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return 0, fmt.Errorf("sensor hub not connected")
	}

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	c.conn.SetDeadline(deadline)

	if _, err := fmt.Fprintf(c.conn, "READ %d\n", port); err != nil {
		return 0, fmt.Errorf("failed to send read request: %w", err)
	}

	line, err := c.reader.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("failed to read hub response: %w", err)
	}

	return parseReadResponse(line)
}

// OnVoltageChange registers the push handler. Must be set before StartStream.
func (c *Client) OnVoltageChange(handler func(channel string, voltage float64)) {
	c.handlerMu.Lock()
	c.handler = handler
	c.handlerMu.Unlock()
}

// StartStream switches the hub into push mode and dispatches events to the
// registered handler until Close.
func (c *Client) StartStream() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("sensor hub not connected")
	}
	if c.streaming {
		return nil
	}

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := fmt.Fprint(c.conn, "STREAM ON\n"); err != nil {
		return fmt.Errorf("failed to enable streaming: %w", err)
	}
	// The stream runs until close, so reads must not time out
	c.conn.SetDeadline(time.Time{})

	c.streaming = true
	c.stopChan = make(chan struct{})
	c.wg.Add(1)
	go c.streamLoop(c.reader)

	c.logger.Info("Sensor hub streaming enabled")
	return nil
}

func (c *Client) streamLoop(reader *bufio.Reader) {
	defer c.wg.Done()

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			select {
			case <-c.stopChan:
				return
			default:
			}
			c.logger.Error("Sensor hub stream ended", zap.Error(err))
			return
		}

		channel, voltage, err := c.parseEvent(line)
		if err != nil {
			c.logger.Warn("Dropping malformed hub event",
				zap.String("line", strings.TrimSpace(line)), zap.Error(err))
			continue
		}

		c.handlerMu.Lock()
		handler := c.handler
		c.handlerMu.Unlock()

		if handler != nil {
			handler(channel, voltage)
		}
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.streaming {
		close(c.stopChan)
		c.streaming = false
	}
	conn := c.conn
	c.conn = nil
	c.reader = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	c.wg.Wait()
	return err
}

// parseReadResponse parses "OK <volts>" or "ERR <message>".
func parseReadResponse(line string) (float64, error) {
	fields := strings.Fields(line)
	if len(fields) < 1 {
		return 0, fmt.Errorf("empty hub response")
	}

	switch fields[0] {
	case "OK":
		if len(fields) != 2 {
			return 0, fmt.Errorf("malformed OK response: %q", strings.TrimSpace(line))
		}
		voltage, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0, fmt.Errorf("malformed voltage %q: %w", fields[1], err)
		}
		return voltage, nil

	case "ERR":
		return 0, fmt.Errorf("hub error: %s", strings.TrimSpace(strings.TrimPrefix(line, "ERR")))

	default:
		return 0, fmt.Errorf("unexpected hub response: %q", strings.TrimSpace(line))
	}
}

// parseEvent parses "EV <port> <volts>" into a channel reading.
func (c *Client) parseEvent(line string) (string, float64, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "EV" {
		return "", 0, fmt.Errorf("not an event line")
	}

	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, fmt.Errorf("malformed port %q: %w", fields[1], err)
	}
	channel, ok := c.names[port]
	if !ok {
		return "", 0, fmt.Errorf("no channel mapped to port %d", port)
	}

	voltage, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed voltage %q: %w", fields[2], err)
	}

	return channel, voltage, nil
}
