package wire

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrTruncated is returned when a payload ends before all fields were read.
var ErrTruncated = errors.New("payload truncated")

// Encoder appends big-endian fields to a payload.
type Encoder struct {
	buf []byte
}

// Bytes returns the encoded payload.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) Uint32(v uint32) *Encoder {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
	return e
}

func (e *Encoder) Int32(v int32) *Encoder {
	return e.Uint32(uint32(v))
}

func (e *Encoder) Float32(v float32) *Encoder {
	return e.Uint32(math.Float32bits(v))
}

func (e *Encoder) Float64(v float64) *Encoder {
	e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(v))
	return e
}

// String writes a length-prefixed string.
func (e *Encoder) String(s string) *Encoder {
	e.Uint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	return e
}

// Uint32s writes a count followed by the values.
func (e *Encoder) Uint32s(vs []uint32) *Encoder {
	e.Uint32(uint32(len(vs)))
	for _, v := range vs {
		e.Uint32(v)
	}
	return e
}

// Float64s writes a count followed by the values.
func (e *Encoder) Float64s(vs []float64) *Encoder {
	e.Uint32(uint32(len(vs)))
	for _, v := range vs {
		e.Float64(v)
	}
	return e
}

// Strings writes a count followed by length-prefixed strings.
func (e *Encoder) Strings(ss []string) *Encoder {
	e.Uint32(uint32(len(ss)))
	for _, s := range ss {
		e.String(s)
	}
	return e
}

// Decoder reads fields written by Encoder. The first failure is sticky and
// reported by Err.
type Decoder struct {
	buf []byte
	err error
}

// NewDecoder returns a decoder over p.
func NewDecoder(p []byte) *Decoder {
	return &Decoder{buf: p}
}

// Err returns the first decode error.
func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.err = ErrTruncated
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *Decoder) Uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *Decoder) Int32() int32 {
	return int32(d.Uint32())
}

func (d *Decoder) Float32() float32 {
	return math.Float32frombits(d.Uint32())
}

func (d *Decoder) Float64() float64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}

func (d *Decoder) String() string {
	n := d.Uint32()
	b := d.take(int(n))
	return string(b)
}

// count reads a slice length and rejects lengths the remaining payload
// cannot possibly hold.
func (d *Decoder) count(elemSize int) int {
	n := int(d.Uint32())
	if d.err == nil && n*elemSize > len(d.buf) {
		d.err = ErrTruncated
		return 0
	}
	return n
}

func (d *Decoder) Uint32s() []uint32 {
	n := d.count(4)
	if n == 0 {
		return nil
	}
	vs := make([]uint32, n)
	for i := range vs {
		vs[i] = d.Uint32()
	}
	return vs
}

func (d *Decoder) Float64s() []float64 {
	n := d.count(8)
	if n == 0 {
		return nil
	}
	vs := make([]float64, n)
	for i := range vs {
		vs[i] = d.Float64()
	}
	return vs
}

func (d *Decoder) Strings() []string {
	n := d.count(4)
	if n == 0 {
		return nil
	}
	ss := make([]string, n)
	for i := range ss {
		ss[i] = d.String()
	}
	return ss
}

// EncodeText encodes the body of an Error or Info telegram.
func EncodeText(s string) []byte {
	return new(Encoder).String(s).Bytes()
}

// DecodeText decodes the body of an Error or Info telegram.
func DecodeText(p []byte) (string, error) {
	d := NewDecoder(p)
	s := d.String()
	return s, d.Err()
}

// InputMode selects the LoadData variant.
type InputMode uint32

const (
	NoInput InputMode = iota
	PatternDriven
	DeviceDriven
)

func (m InputMode) String() string {
	switch m {
	case NoInput:
		return "none"
	case PatternDriven:
		return "pattern"
	case DeviceDriven:
		return "device"
	default:
		return "unknown"
	}
}

// LoadData tells a worker what drives its group.
type LoadData struct {
	Mode                InputMode
	PatternID           uint32
	TimeStepsPerPattern uint32
	DeviceID            uint32
	FiringMode          int32
}

func (l LoadData) Encode() []byte {
	e := new(Encoder).Uint32(uint32(l.Mode))
	switch l.Mode {
	case PatternDriven:
		e.Uint32(l.PatternID).Uint32(l.TimeStepsPerPattern)
	case DeviceDriven:
		e.Uint32(l.DeviceID).Int32(l.FiringMode)
	}
	return e.Bytes()
}

func DecodeLoadData(p []byte) (LoadData, error) {
	d := NewDecoder(p)
	l := LoadData{Mode: InputMode(d.Uint32())}
	switch l.Mode {
	case NoInput:
	case PatternDriven:
		l.PatternID = d.Uint32()
		l.TimeStepsPerPattern = d.Uint32()
	case DeviceDriven:
		l.DeviceID = d.Uint32()
		l.FiringMode = d.Int32()
	default:
		if d.Err() == nil {
			return l, errors.New("unknown input mode")
		}
	}
	return l, d.Err()
}

// Firing lists the neurons that fired during one tick.
type Firing struct {
	Tick    uint32
	Neurons []uint32
}

func (f Firing) Encode() []byte {
	return new(Encoder).Uint32(f.Tick).Uint32s(f.Neurons).Bytes()
}

func DecodeFiring(p []byte) (Firing, error) {
	d := NewDecoder(p)
	f := Firing{Tick: d.Uint32(), Neurons: d.Uint32s()}
	return f, d.Err()
}

// Spike is a single spike with its sub-tick offset.
type Spike struct {
	Neuron uint32
	Offset float32
}

// Spikes lists the spikes emitted during one tick.
type Spikes struct {
	Tick   uint32
	Spikes []Spike
}

func (s Spikes) Encode() []byte {
	e := new(Encoder).Uint32(s.Tick).Uint32(uint32(len(s.Spikes)))
	for _, sp := range s.Spikes {
		e.Uint32(sp.Neuron).Float32(sp.Offset)
	}
	return e.Bytes()
}

func DecodeSpikes(p []byte) (Spikes, error) {
	d := NewDecoder(p)
	s := Spikes{Tick: d.Uint32()}
	n := d.count(8)
	if n > 0 {
		s.Spikes = make([]Spike, n)
		for i := range s.Spikes {
			s.Spikes[i] = Spike{Neuron: d.Uint32(), Offset: d.Float32()}
		}
	}
	return s, d.Err()
}

// Neurons returns the distinct neuron IDs in s.
func (s Spikes) Neurons() []uint32 {
	seen := make(map[uint32]struct{}, len(s.Spikes))
	ids := make([]uint32, 0, len(s.Spikes))
	for _, sp := range s.Spikes {
		if _, ok := seen[sp.Neuron]; ok {
			continue
		}
		seen[sp.Neuron] = struct{}{}
		ids = append(ids, sp.Neuron)
	}
	return ids
}

// NeuronIDs carries a list of neurons, used by FireNeurons.
func EncodeNeuronIDs(ids []uint32) []byte {
	return new(Encoder).Uint32s(ids).Bytes()
}

func DecodeNeuronIDs(p []byte) ([]uint32, error) {
	d := NewDecoder(p)
	ids := d.Uint32s()
	return ids, d.Err()
}

// EncodeFloat64 carries a single value, used by InjectNoise.
func EncodeFloat64(v float64) []byte {
	return new(Encoder).Float64(v).Bytes()
}

func DecodeFloat64(p []byte) (float64, error) {
	d := NewDecoder(p)
	v := d.Float64()
	return v, d.Err()
}

// EncodeUint32 carries a single value, used by SetMinTimestep.
func EncodeUint32(v uint32) []byte {
	return new(Encoder).Uint32(v).Bytes()
}

func DecodeUint32(p []byte) (uint32, error) {
	d := NewDecoder(p)
	v := d.Uint32()
	return v, d.Err()
}

// MonitorKey identifies a monitored neuron (To is zero) or synapse.
type MonitorKey struct {
	From uint32
	To   uint32
}

func (k MonitorKey) Encode() []byte {
	return new(Encoder).Uint32(k.From).Uint32(k.To).Bytes()
}

func DecodeMonitorKey(p []byte) (MonitorKey, error) {
	d := NewDecoder(p)
	k := MonitorKey{From: d.Uint32(), To: d.Uint32()}
	return k, d.Err()
}

// MonitorInfo names the variables a monitor will report.
type MonitorInfo struct {
	Key       MonitorKey
	Variables []string
}

func (m MonitorInfo) Encode() []byte {
	return new(Encoder).Uint32(m.Key.From).Uint32(m.Key.To).Strings(m.Variables).Bytes()
}

func DecodeMonitorInfo(p []byte) (MonitorInfo, error) {
	d := NewDecoder(p)
	m := MonitorInfo{Key: MonitorKey{From: d.Uint32(), To: d.Uint32()}}
	m.Variables = d.Strings()
	return m, d.Err()
}

// MonitorData carries one sample of the monitored variables.
type MonitorData struct {
	Key    MonitorKey
	Time   float64
	Values []float64
}

func (m MonitorData) Encode() []byte {
	return new(Encoder).Uint32(m.Key.From).Uint32(m.Key.To).Float64(m.Time).Float64s(m.Values).Bytes()
}

func DecodeMonitorData(p []byte) (MonitorData, error) {
	d := NewDecoder(p)
	m := MonitorData{Key: MonitorKey{From: d.Uint32(), To: d.Uint32()}}
	m.Time = d.Float64()
	m.Values = d.Float64s()
	return m, d.Err()
}

// ArchiveFiring is a firing record forwarded to the archiver.
type ArchiveFiring struct {
	Group   uint32
	Tick    uint32
	Neurons []uint32
}

func (a ArchiveFiring) Encode() []byte {
	return new(Encoder).Uint32(a.Group).Uint32(a.Tick).Uint32s(a.Neurons).Bytes()
}

func DecodeArchiveFiring(p []byte) (ArchiveFiring, error) {
	d := NewDecoder(p)
	a := ArchiveFiring{Group: d.Uint32(), Tick: d.Uint32()}
	a.Neurons = d.Uint32s()
	return a, d.Err()
}

// Hello is the first frame a dialing endpoint sends to claim its handle.
type Hello struct {
	Handle Handle
	Token  string
}

func (h Hello) Encode() []byte {
	return new(Encoder).Uint32(uint32(h.Handle)).String(h.Token).Bytes()
}

func DecodeHello(p []byte) (Hello, error) {
	d := NewDecoder(p)
	h := Hello{Handle: Handle(d.Uint32())}
	h.Token = d.String()
	return h, d.Err()
}
