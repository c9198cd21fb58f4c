package l2cap

import "time"

const (
	// MinMTU is the smallest MTU a classic dynamic channel may propose.
	MinMTU = 48
	// MinLEMTU is the smallest MTU/MPS an LE credit based channel may propose.
	MinLEMTU = 23
	// DefaultMTU is offered when the caller does not propose one.
	DefaultMTU = 672
	// SignallingMTU bounds the total length of a concatenated signalling packet.
	SignallingMTU = 672
	// MaxMPS is the largest single PDU payload the engine will produce.
	MaxMPS = 1004
	// MinMPS is the smallest PDU payload a segmented mode channel may
	// propose; a start frame must at least fit the SDU length prefix.
	MinMPS = 16
	// seqModulo is the sequence number space for segmented mode.
	seqModulo = 64
)

// Config carries the policy knobs the protocol leaves deployment specific:
// pool sizes, timeouts, retry bounds, credit and congestion policy. Zero
// values are replaced by the defaults below.
type Config struct {
	// Pool capacities. Allocation beyond these returns ErrNoResources.
	MaxLinks    int
	MaxChannels int
	MaxServices int

	// Signalling response timeouts and the bounded retry count applied
	// before a timeout is synthesized into a negative response.
	ConnectTimeout    time.Duration
	ConfigTimeout     time.Duration
	DisconnectTimeout time.Duration
	InfoTimeout       time.Duration
	MaxRTXRetries     int

	// IdleTimeout releases a link that has carried no channels for the
	// duration. Zero keeps the default; a negative value disables teardown.
	IdleTimeout time.Duration

	// Segmented (retransmission) mode policy.
	RetransTimeout    time.Duration
	MonitorTimeout    time.Duration
	AckTimeout        time.Duration
	TxWindow          uint8
	MaxTransmit       uint8
	MaxFCRConfigTries int

	// Credit based channel policy: initial grant, and the low-water mark at
	// which the remote side is topped back up to DefaultCredits.
	DefaultCredits uint16
	CreditLowWater uint16

	// TxQuota is the per-channel transmit hold queue quota driving
	// congestion callbacks.
	TxQuota int
}

// DefaultConfig returns the stock policy. The durations mirror the classic
// host stack defaults for the same procedures.
func DefaultConfig() Config {
	return Config{
		MaxLinks:          8,
		MaxChannels:       32,
		MaxServices:       16,
		ConnectTimeout:    60 * time.Second,
		ConfigTimeout:     30 * time.Second,
		DisconnectTimeout: 10 * time.Second,
		InfoTimeout:       3 * time.Second,
		MaxRTXRetries:     1,
		IdleTimeout:       4 * time.Second,
		RetransTimeout:    2 * time.Second,
		MonitorTimeout:    12 * time.Second,
		AckTimeout:        200 * time.Millisecond,
		TxWindow:          10,
		MaxTransmit:       5,
		MaxFCRConfigTries: 2,
		DefaultCredits:    500,
		CreditLowWater:    70,
		TxQuota:           100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxLinks <= 0 {
		c.MaxLinks = d.MaxLinks
	}
	if c.MaxChannels <= 0 {
		c.MaxChannels = d.MaxChannels
	}
	if c.MaxServices <= 0 {
		c.MaxServices = d.MaxServices
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ConfigTimeout <= 0 {
		c.ConfigTimeout = d.ConfigTimeout
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = d.DisconnectTimeout
	}
	if c.InfoTimeout <= 0 {
		c.InfoTimeout = d.InfoTimeout
	}
	if c.MaxRTXRetries < 0 {
		c.MaxRTXRetries = d.MaxRTXRetries
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.RetransTimeout <= 0 {
		c.RetransTimeout = d.RetransTimeout
	}
	if c.MonitorTimeout <= 0 {
		c.MonitorTimeout = d.MonitorTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.TxWindow == 0 || c.TxWindow >= seqModulo {
		c.TxWindow = d.TxWindow
	}
	if c.MaxTransmit == 0 {
		c.MaxTransmit = d.MaxTransmit
	}
	if c.MaxFCRConfigTries <= 0 {
		c.MaxFCRConfigTries = d.MaxFCRConfigTries
	}
	if c.DefaultCredits == 0 {
		c.DefaultCredits = d.DefaultCredits
	}
	if c.CreditLowWater == 0 {
		c.CreditLowWater = d.CreditLowWater
	}
	if c.TxQuota <= 0 {
		c.TxQuota = d.TxQuota
	}
	return c
}
