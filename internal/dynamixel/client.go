package dynamixel

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/SwitchBench/internal/metrics"
)

// XM430 control table addresses
const (
	AddrOperatingMode   uint16 = 11
	AddrTorqueEnable    uint16 = 64
	AddrLED             uint16 = 65
	AddrGoalCurrent     uint16 = 102
	AddrGoalPosition    uint16 = 116
	AddrMoving          uint16 = 122
	AddrPresentPosition uint16 = 132
)

// Other XM430 constants
const (
	PositionResolution       = 4096 // 0-4095 over one full rotation
	CurrentBasedPositionMode = 5
	PositionControlMode      = 3
	MaxGoalCurrent           = 1193 // register value for 100%

	TorqueEnable  = 1
	TorqueDisable = 0
)

// Client talks Protocol 2.0 to a servo chain behind a serial-to-TCP bridge
// (ser2net or similar). One request/response at a time; the bus is half-duplex.
type Client struct {
	address   string
	conn      net.Conn
	mu        sync.Mutex
	timeout   time.Duration
	connected bool
}

func NewClient(address string, timeout time.Duration) *Client {
	return &Client{
		address: address,
		timeout: timeout,
	}
}

func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	conn, err := net.DialTimeout("tcp", c.address, c.timeout)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	c.conn = conn
	c.connected = true

	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	err := c.conn.Close()
	c.connected = false
	c.conn = nil

	return err
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Transact sends an instruction packet and waits for the status packet.
// Every failed transaction is counted in the bus error metric, labeled by
// instruction.
func (c *Client) Transact(ctx context.Context, request *Packet) (*StatusPacket, error) {
	status, err := c.transact(ctx, request)
	if err != nil {
		metrics.BusErrors.WithLabelValues(instructionLabel(request.Instruction)).Inc()
	}
	return status, err
}

func (c *Client) transact(ctx context.Context, request *Packet) (*StatusPacket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, fmt.Errorf("not connected")
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.conn.SetWriteDeadline(deadline)
	if _, err := c.conn.Write(request.Encode()); err != nil {
		return nil, fmt.Errorf("write failed: %w", err)
	}

	c.conn.SetReadDeadline(deadline)

	// Header(4) + ID(1) + Length(2), then the rest of the frame
	head := make([]byte, 7)
	if _, err := io.ReadFull(c.conn, head); err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}

	length := binary.LittleEndian.Uint16(head[5:7])
	rest := make([]byte, length)
	if _, err := io.ReadFull(c.conn, rest); err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}

	status, err := DecodeStatus(append(head, rest...))
	if err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}

	if status.ID != request.ID {
		return nil, fmt.Errorf("servo ID mismatch: expected %d, got %d", request.ID, status.ID)
	}

	if status.Error != 0 {
		return nil, fmt.Errorf("servo %d reported error 0x%02X", status.ID, status.Error)
	}

	return status, nil
}

func instructionLabel(instruction uint8) string {
	switch instruction {
	case InstPing:
		return "ping"
	case InstRead:
		return "read"
	case InstWrite:
		return "write"
	default:
		return fmt.Sprintf("0x%02X", instruction)
	}
}

// Ping checks whether a servo answers on the bus.
func (c *Client) Ping(ctx context.Context, id uint8) error {
	_, err := c.Transact(ctx, &Packet{ID: id, Instruction: InstPing})
	return err
}

// WriteByte writes a 1-byte register.
func (c *Client) WriteByte(ctx context.Context, id uint8, addr uint16, value uint8) error {
	_, err := c.Transact(ctx, WriteRequest(id, addr, []byte{value}))
	return err
}

// WriteUint16 writes a 2-byte register.
func (c *Client) WriteUint16(ctx context.Context, id uint8, addr uint16, value uint16) error {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, value)

	_, err := c.Transact(ctx, WriteRequest(id, addr, data))
	return err
}

// WriteUint32 writes a 4-byte register.
func (c *Client) WriteUint32(ctx context.Context, id uint8, addr uint16, value uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, value)

	_, err := c.Transact(ctx, WriteRequest(id, addr, data))
	return err
}

// ReadUint32 reads a 4-byte register.
func (c *Client) ReadUint32(ctx context.Context, id uint8, addr uint16) (uint32, error) {
	status, err := c.Transact(ctx, ReadRequest(id, addr, 4))
	if err != nil {
		return 0, err
	}

	if len(status.Params) < 4 {
		return 0, fmt.Errorf("short read response: %d bytes", len(status.Params))
	}

	return binary.LittleEndian.Uint32(status.Params[:4]), nil
}
