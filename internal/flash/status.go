// internal/flash/status.go
package flash

import "github.com/tamzrod/dataflash/internal/bus"

// StatusRegister is the decoded two-byte device status word.
type StatusRegister struct {
	Ready    bool  // RDY (byte 0, bit 7)
	Compare  bool  // COMP: last compare mismatch
	Density  uint8 // device density code
	Protect  bool  // sector protection enabled
	PageSize bool  // binary page size selected

	Ready2            bool // RDY (byte 1, bit 7)
	EraseProgramError bool // EPE: last erase/program failed
}

// decodeStatus unpacks a raw status word.
func decodeStatus(raw [2]byte) StatusRegister {
	return StatusRegister{
		Ready:    raw[0]&0x80 != 0,
		Compare:  raw[0]&0x40 != 0,
		Density:  (raw[0] >> 3) & 0x07,
		Protect:  raw[0]&0x02 != 0,
		PageSize: raw[0]&0x01 != 0,

		Ready2:            raw[1]&0x80 != 0,
		EraseProgramError: raw[1]&0x20 != 0,
	}
}

// readStatusRegister issues the status opcode and requests the raw word
// into the shared scratch. The pre-transfer verification states that would
// consume it were never wired into the transition table, so nothing calls
// this during transfers.
func (d *Driver) readStatusRegister(i int) error {
	inst := &d.instances[i]
	p := d.providers[d.channels[i].Bus]

	d.scheduler.ArmTimeout(inst.timeout, d.waitTimeout)

	if err := p.Write(inst.busChannel, []byte{cmdReadStatusRegister}, bus.AddressNone); err != nil {
		return err
	}
	return p.Read(inst.busChannel, d.statusScratch[:], bus.AddressNone)
}
