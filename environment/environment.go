// Package environment holds the protocol adapters for the node's
// temperature and humidity sensors. Adapters submit transactions to the bus
// engine and decode the buffers once the completion event is delivered.
package environment

import (
	"context"
	"errors"

	"github.com/mklimuk/sensornode/i2c"
)

var ErrCRCMismatch = errors.New("crc mismatch")

// Submitter is the part of the transaction engine the adapters need.
type Submitter interface {
	Submit(ctx context.Context, id i2c.BusID, req i2c.Request) error
}

// CRC8 is the Sensirion checksum: polynomial 0x31, init 0xFF.
func CRC8(data []byte) byte {
	var crc byte = 0xFF
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if (crc & 0x80) != 0 {
				crc = (crc << 1) ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
