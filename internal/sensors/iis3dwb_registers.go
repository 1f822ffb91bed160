// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import "fmt"

// BitField documents one field inside a register.
type BitField struct {
	Bits        string `json:"bits"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Values      string `json:"values,omitempty"`
}

// RegisterInfo documents one register.
type RegisterInfo struct {
	Address     byte       `json:"address"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Access      string     `json:"access"` // "R", "W", "RW"
	Default     string     `json:"default,omitempty"`
	BitFields   []BitField `json:"bit_fields,omitempty"`
}

// Hex returns the address formatted as 0xNN.
func (r RegisterInfo) Hex() string {
	return fmt.Sprintf("0x%02X", r.Address)
}

// IIS3DWBRegisterMap returns metadata for the IIS3DWB registers the driver touches.
func IIS3DWBRegisterMap() []RegisterInfo {
	return []RegisterInfo{
		// FIFO configuration
		{Address: regFIFOCtrl1, Name: "FIFO_CTRL1", Description: "FIFO watermark threshold (low byte)", Access: "RW", Default: "0x00",
			BitFields: []BitField{
				{Bits: "7:0", Name: "WTM[7:0]", Description: "FIFO watermark, in words", Values: "0-255"},
			}},
		{Address: regFIFOCtrl2, Name: "FIFO_CTRL2", Description: "FIFO watermark threshold (high bit) and compression", Access: "RW", Default: "0x00",
			BitFields: []BitField{
				{Bits: "7", Name: "STOP_ON_WTM", Description: "Limit FIFO depth to watermark", Values: "0=Disabled, 1=Enabled"},
				{Bits: "0", Name: "WTM8", Description: "FIFO watermark bit 8"},
			}},
		{Address: regFIFOCtrl3, Name: "FIFO_CTRL3", Description: "Batch data rate", Access: "RW", Default: "0x00",
			BitFields: []BitField{
				{Bits: "3:0", Name: "BDR_XL", Description: "Accelerometer batch data rate", Values: "0000=Not batched, 1010=26667Hz"},
			}},
		{Address: regFIFOCtrl4, Name: "FIFO_CTRL4", Description: "FIFO mode and timestamp batching", Access: "RW", Default: "0x00",
			BitFields: []BitField{
				{Bits: "7:6", Name: "DEC_TS_BATCH", Description: "Timestamp batching decimation", Values: "00=Not batched"},
				{Bits: "5:4", Name: "ODR_T_BATCH", Description: "Temperature batch data rate", Values: "00=Not batched"},
				{Bits: "2:0", Name: "FIFO_MODE", Description: "FIFO mode", Values: "000=Bypass, 001=FIFO, 011=Continuous-to-FIFO, 100=Bypass-to-continuous, 110=Continuous, 111=Bypass-to-FIFO"},
			}},

		// Interrupts
		{Address: regInt1Ctrl, Name: "INT1_CTRL", Description: "INT1 pin control", Access: "RW", Default: "0x00",
			BitFields: []BitField{
				{Bits: "6", Name: "INT1_CNT_BDR", Description: "Batch counter threshold on INT1", Values: "0=Disabled, 1=Enabled"},
				{Bits: "5", Name: "INT1_FIFO_FULL", Description: "FIFO full on INT1", Values: "0=Disabled, 1=Enabled"},
				{Bits: "4", Name: "INT1_FIFO_OVR", Description: "FIFO overrun on INT1", Values: "0=Disabled, 1=Enabled"},
				{Bits: "3", Name: "INT1_FIFO_TH", Description: "FIFO watermark on INT1", Values: "0=Disabled, 1=Enabled"},
				{Bits: "0", Name: "INT1_DRDY_XL", Description: "Accelerometer data ready on INT1", Values: "0=Disabled, 1=Enabled"},
			}},

		// Identity and control
		{Address: regWhoAmI, Name: "WHO_AM_I", Description: "Device identification", Access: "R", Default: "0x7B",
			BitFields: []BitField{
				{Bits: "7:0", Name: "WHO_AM_I", Description: "Fixed identity", Values: "0x7B"},
			}},
		{Address: regCtrl1XL, Name: "CTRL1_XL", Description: "Accelerometer control", Access: "RW", Default: "0x00",
			BitFields: []BitField{
				{Bits: "7:5", Name: "XL_EN", Description: "Accelerometer enable", Values: "000=Power-down, 101=26.667kHz"},
				{Bits: "3:2", Name: "FS_XL", Description: "Full scale", Values: "00=±2g, 01=±16g, 10=±4g, 11=±8g"},
				{Bits: "1", Name: "LPF2_XL_EN", Description: "Second low-pass filter stage", Values: "0=Disabled, 1=Enabled"},
			}},
		{Address: regCtrl3C, Name: "CTRL3_C", Description: "Interface control", Access: "RW", Default: "0x04",
			BitFields: []BitField{
				{Bits: "7", Name: "BOOT", Description: "Reboot memory content", Values: "0=Normal, 1=Reboot"},
				{Bits: "6", Name: "BDU", Description: "Block data update", Values: "0=Continuous, 1=Hold until read"},
				{Bits: "5", Name: "H_LACTIVE", Description: "Interrupt activation level", Values: "0=Active high, 1=Active low"},
				{Bits: "4", Name: "PP_OD", Description: "Interrupt pad mode", Values: "0=Push-pull, 1=Open drain"},
				{Bits: "3", Name: "SIM", Description: "SPI mode", Values: "0=4-wire, 1=3-wire"},
				{Bits: "2", Name: "IF_INC", Description: "Register address auto-increment", Values: "0=Disabled, 1=Enabled"},
				{Bits: "0", Name: "SW_RESET", Description: "Software reset", Values: "0=Normal, 1=Reset"},
			}},

		// Output
		{Address: regOutXLA, Name: "OUTX_L_A", Description: "Accelerometer X output (low byte), Y and Z follow", Access: "R"},

		// FIFO status and data
		{Address: regFIFOStatus1, Name: "FIFO_STATUS1", Description: "FIFO unread words (low byte)", Access: "R",
			BitFields: []BitField{
				{Bits: "7:0", Name: "DIFF_FIFO[7:0]", Description: "Unread words in FIFO"},
			}},
		{Address: regFIFOStatus2, Name: "FIFO_STATUS2", Description: "FIFO flags", Access: "R",
			BitFields: []BitField{
				{Bits: "7", Name: "FIFO_WTM_IA", Description: "Watermark reached"},
				{Bits: "6", Name: "FIFO_OVR_IA", Description: "FIFO overrun"},
				{Bits: "5", Name: "FIFO_FULL_IA", Description: "FIFO full at next ODR"},
				{Bits: "1:0", Name: "DIFF_FIFO[9:8]", Description: "Unread words in FIFO (high bits)"},
			}},
		{Address: regFIFODataTag, Name: "FIFO_DATA_OUT_TAG", Description: "FIFO tag; six data bytes follow", Access: "R",
			BitFields: []BitField{
				{Bits: "7:3", Name: "TAG_SENSOR", Description: "Sensor tag", Values: "0x02=Accelerometer, 0x03=Temperature, 0x04=Timestamp"},
				{Bits: "2:1", Name: "TAG_CNT", Description: "2-bit counter"},
				{Bits: "0", Name: "TAG_PARITY", Description: "Parity"},
			}},
	}
}
