package device

import "time"

const (
	rtcPortIndex = 0x70
	rtcPortData  = 0x71

	rtcSeconds    = 0x00
	rtcMinutes    = 0x02
	rtcHours      = 0x04
	rtcDayOfWeek  = 0x06
	rtcDayOfMonth = 0x07
	rtcMonth      = 0x08
	rtcYear       = 0x09
	rtcCentury    = 0x32

	rtcStatusB    = 0x0b
	rtcStatusB24H = 0x02
)

// RTC is an MC146818-style CMOS real-time clock, read by the guest's
// wall-clock init code via the indexed index/data port pair.
type RTC struct {
	cmosIndex uint8
}

// NewRTC returns a ready RTC.
func NewRTC() *RTC { return &RTC{} }

func (*RTC) PortRange() PortRange {
	return PortRange{Base: rtcPortIndex, Len: rtcPortData - rtcPortIndex + 1}
}

func (r *RTC) In(port uint16, data []byte) error {
	if len(data) == 0 || port != rtcPortData {
		return nil
	}

	now := time.Now().UTC()

	switch r.cmosIndex {
	case rtcSeconds:
		data[0] = binToBCD(uint8(now.Second()))
	case rtcMinutes:
		data[0] = binToBCD(uint8(now.Minute()))
	case rtcHours:
		data[0] = binToBCD(uint8(now.Hour()))
	case rtcDayOfWeek:
		data[0] = binToBCD(uint8(now.Weekday()) + 1)
	case rtcDayOfMonth:
		data[0] = binToBCD(uint8(now.Day()))
	case rtcMonth:
		data[0] = binToBCD(uint8(now.Month()))
	case rtcYear:
		data[0] = binToBCD(uint8(now.Year() % 100))
	case rtcCentury:
		data[0] = binToBCD(uint8(now.Year() / 100))
	case rtcStatusB:
		data[0] = rtcStatusB24H
	}

	return nil
}

func (r *RTC) Out(port uint16, data []byte) error {
	if len(data) == 0 || port != rtcPortIndex {
		return nil
	}

	r.cmosIndex = data[0] &^ (1 << 7)

	return nil
}

func binToBCD(bin uint8) uint8 {
	return (bin/10)<<4 | bin%10
}
