package dynamixel

import (
	"encoding/binary"
	"fmt"
)

// DYNAMIXEL Protocol 2.0 instruction packet:
// Header(4) + ID(1) + Length(2, LE) + Instruction(1) + Params + CRC(2, LE)
type Packet struct {
	ID          uint8
	Instruction uint8
	Params      []byte
}

// StatusPacket is the servo's response to an instruction.
type StatusPacket struct {
	ID     uint8
	Error  uint8 // 0 = success
	Params []byte
}

// Protocol 2.0 instructions
const (
	InstPing   = 0x01
	InstRead   = 0x02
	InstWrite  = 0x03
	InstReboot = 0x08
	InstStatus = 0x55
)

var header = [4]byte{0xFF, 0xFF, 0xFD, 0x00}

// Encode builds the complete wire frame including byte stuffing and CRC.
func (p *Packet) Encode() []byte {
	params := addStuffing(p.Params)

	// Length = instruction(1) + params + CRC(2)
	length := uint16(len(params) + 3)

	frame := make([]byte, 0, 7+len(params)+3)
	frame = append(frame, header[:]...)
	frame = append(frame, p.ID)
	frame = binary.LittleEndian.AppendUint16(frame, length)
	frame = append(frame, p.Instruction)
	frame = append(frame, params...)

	crc := UpdateCRC(0, frame)
	frame = binary.LittleEndian.AppendUint16(frame, crc)

	return frame
}

// DecodeStatus parses a complete received frame into a status packet.
func DecodeStatus(data []byte) (*StatusPacket, error) {
	if len(data) < 10 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	if data[0] != header[0] || data[1] != header[1] || data[2] != header[2] || data[3] != header[3] {
		return nil, fmt.Errorf("invalid header: % X", data[0:4])
	}

	length := binary.LittleEndian.Uint16(data[5:7])
	if int(length)+7 != len(data) {
		return nil, fmt.Errorf("length mismatch: header says %d, frame has %d", length, len(data)-7)
	}

	if data[7] != InstStatus {
		return nil, fmt.Errorf("not a status packet: instruction 0x%02X", data[7])
	}

	// CRC covers everything up to the CRC bytes
	wantCRC := binary.LittleEndian.Uint16(data[len(data)-2:])
	haveCRC := UpdateCRC(0, data[:len(data)-2])
	if wantCRC != haveCRC {
		return nil, fmt.Errorf("CRC mismatch: expected 0x%04X, got 0x%04X", wantCRC, haveCRC)
	}

	return &StatusPacket{
		ID:     data[4],
		Error:  data[8],
		Params: removeStuffing(data[9 : len(data)-2]),
	}, nil
}

// ReadRequest builds a Read instruction for addr/length.
func ReadRequest(id uint8, addr uint16, length uint16) *Packet {
	params := make([]byte, 4)
	binary.LittleEndian.PutUint16(params[0:2], addr)
	binary.LittleEndian.PutUint16(params[2:4], length)

	return &Packet{ID: id, Instruction: InstRead, Params: params}
}

// WriteRequest builds a Write instruction for addr with raw data.
func WriteRequest(id uint8, addr uint16, data []byte) *Packet {
	params := make([]byte, 2, 2+len(data))
	binary.LittleEndian.PutUint16(params[0:2], addr)
	params = append(params, data...)

	return &Packet{ID: id, Instruction: InstWrite, Params: params}
}

// addStuffing inserts the escape byte after every FF FF FD sequence in the
// parameter area so the receiver cannot mistake payload bytes for a header.
func addStuffing(params []byte) []byte {
	out := make([]byte, 0, len(params))
	run := 0

	for _, b := range params {
		out = append(out, b)
		switch {
		case run == 2 && b == 0xFD:
			out = append(out, 0xFD)
			run = 0
		case b == 0xFF:
			if run < 2 {
				run++
			}
		default:
			run = 0
		}
	}

	return out
}

// removeStuffing drops the escape byte after every FF FF FD sequence.
func removeStuffing(params []byte) []byte {
	out := make([]byte, 0, len(params))
	run := 0

	for i := 0; i < len(params); i++ {
		b := params[i]
		out = append(out, b)
		switch {
		case run == 2 && b == 0xFD:
			i++ // skip the stuffed 0xFD
			run = 0
		case b == 0xFF:
			if run < 2 {
				run++
			}
		default:
			run = 0
		}
	}

	return out
}

// UpdateCRC implements the Protocol 2.0 CRC-16 (poly 0x8005, init 0).
func UpdateCRC(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x8005
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
