// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/relabs-tech/vibration_monitor/internal/config"
	"github.com/relabs-tech/vibration_monitor/internal/sensors"
)

// RegisterReader reads one sensor register.
type RegisterReader interface {
	ReadRegister(reg byte) (byte, error)
}

// FieldValue is a decoded bit field of a register value.
type FieldValue struct {
	Bits  string `json:"bits"`
	Name  string `json:"name"`
	Value uint8  `json:"value"`
}

// RegisterValue is one row of a register dump.
type RegisterValue struct {
	sensors.RegisterInfo
	Value  string       `json:"value,omitempty"` // 0xNN
	Error  string       `json:"error,omitempty"`
	Fields []FieldValue `json:"fields,omitempty"`
}

// parseBits parses "7:6" or "3" into the high and low bit positions.
func parseBits(bits string) (hi, lo uint, err error) {
	h, l, found := strings.Cut(bits, ":")
	hv, err := strconv.ParseUint(h, 10, 3)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid bit range %q", bits)
	}
	if !found {
		return uint(hv), uint(hv), nil
	}
	lv, err := strconv.ParseUint(l, 10, 3)
	if err != nil || lv > hv {
		return 0, 0, fmt.Errorf("invalid bit range %q", bits)
	}
	return uint(hv), uint(lv), nil
}

// ExtractField returns the value of the bit range in v.
func ExtractField(bits string, v byte) (uint8, error) {
	hi, lo, err := parseBits(bits)
	if err != nil {
		return 0, err
	}
	mask := uint8((uint16(1) << (hi - lo + 1)) - 1)
	return (v >> lo) & mask, nil
}

// DumpRegisters reads every register in regs and decodes its bit fields.
// A failed read is recorded in the row and does not stop the dump.
func DumpRegisters(r RegisterReader, regs []sensors.RegisterInfo) []RegisterValue {
	out := make([]RegisterValue, 0, len(regs))
	for _, info := range regs {
		rv := RegisterValue{RegisterInfo: info}
		v, err := r.ReadRegister(info.Address)
		if err != nil {
			rv.Error = err.Error()
			out = append(out, rv)
			continue
		}
		rv.Value = fmt.Sprintf("0x%02X", v)
		for _, bf := range info.BitFields {
			fv, err := ExtractField(bf.Bits, v)
			if err != nil {
				continue
			}
			rv.Fields = append(rv.Fields, FieldValue{Bits: bf.Bits, Name: bf.Name, Value: fv})
		}
		out = append(out, rv)
	}
	return out
}

// WriteRegisterDump prints the dump as an aligned table.
func WriteRegisterDump(w io.Writer, dump []RegisterValue) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDR\tNAME\tVALUE\tDEFAULT\tFIELDS")
	for _, rv := range dump {
		value := rv.Value
		if rv.Error != "" {
			value = "ERR"
		}
		fields := make([]string, 0, len(rv.Fields))
		for _, f := range rv.Fields {
			fields = append(fields, fmt.Sprintf("%s=%d", f.Name, f.Value))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rv.Hex(), rv.Name, value, rv.Default, strings.Join(fields, " "))
	}
	return tw.Flush()
}

// RunRegisterDump opens the IIS3DWB configured in cfg, dumps its register
// map to out and closes it. The sensor is not reset before the dump; closing
// powers the accelerometer down.
func RunRegisterDump(cfg *config.Config, out io.Writer, asJSON bool, logger *zap.Logger) error {
	src, err := sensors.OpenIIS3DWB(sensors.IIS3DWBOptions{
		SPIDevice: cfg.IMUSPIDevice,
		SpeedHz:   cfg.IMUSPISpeedHz,
	})
	if err != nil {
		return err
	}
	defer src.Close()

	rr, ok := src.(RegisterReader)
	if !ok {
		return fmt.Errorf("register dump: %s has no register access", src.Capabilities().Name)
	}
	dump := DumpRegisters(rr, sensors.IIS3DWBRegisterMap())

	failed := 0
	for _, rv := range dump {
		if rv.Error != "" {
			failed++
		}
	}
	logger.Info("register dump complete", zap.Int("registers", len(dump)), zap.Int("failed", failed))

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(dump)
	}
	return WriteRegisterDump(out, dump)
}
