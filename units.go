package emf

// Unit is a CloudWatch metric unit.
type Unit string

// Time
const (
	Seconds      Unit = "Seconds"
	Microseconds Unit = "Microseconds"
	Milliseconds Unit = "Milliseconds"
)

// Size
const (
	Bytes     Unit = "Bytes"
	Kilobytes Unit = "Kilobytes"
	Megabytes Unit = "Megabytes"
	Gigabytes Unit = "Gigabytes"
	Terabytes Unit = "Terabytes"

	Bits     Unit = "Bits"
	Kilobits Unit = "Kilobits"
	Megabits Unit = "Megabits"
	Gigabits Unit = "Gigabits"
	Terabits Unit = "Terabits"
)

// Simple units
const (
	Percent Unit = "Percent"
	Count   Unit = "Count"
)

// Size over time
const (
	BytesSecond     Unit = "Bytes/Second"
	KilobytesSecond Unit = "Kilobytes/Second"
	MegabytesSecond Unit = "Megabytes/Second"
	GigabytesSecond Unit = "Gigabytes/Second"
	TerabytesSecond Unit = "Terabytes/Second"

	BitsSecond     Unit = "Bits/Second"
	KilobitsSecond Unit = "Kilobits/Second"
	MegabitsSecond Unit = "Megabits/Second"
	GigabitsSecond Unit = "Gigabits/Second"
	TerabitsSecond Unit = "Terabits/Second"

	CountSecond Unit = "Count/Second"
)

// None is for unit-less values.
const None Unit = "None"
