package derecho

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	rpc "github.com/glycerine/rpc25519"
	"gopkg.in/ini.v1"
)

// MinRPCResponseSize is the smallest reply buffer a cooked send
// dispatcher can function with; reply payload limits below it are
// rejected at load time.
const MinRPCResponseSize = 128

// SendAlgorithm selects the RBM block dissemination schedule.
type SendAlgorithm int

const (
	BinomialSend SendAlgorithm = iota
	ChainSend
	SequentialSend
	TreeSend
)

func (a SendAlgorithm) String() string {
	switch a {
	case BinomialSend:
		return "binomial_send"
	case ChainSend:
		return "chain_send"
	case SequentialSend:
		return "sequential_send"
	case TreeSend:
		return "tree_send"
	}
	panicf("unknown SendAlgorithm %v", int(a))
	return ""
}

func ParseSendAlgorithm(s string) (SendAlgorithm, error) {
	switch s {
	case "binomial_send":
		return BinomialSend, nil
	case "chain_send":
		return ChainSend, nil
	case "sequential_send":
		return SequentialSend, nil
	case "tree_send":
		return TreeSend, nil
	}
	return 0, cfgErrf("rdmc_send_algorithm", "unrecognized value %q; want one of binomial_send, chain_send, sequential_send, tree_send", s)
}

// SubgroupProfile carries the per-subgroup multicast tunables from
// a [SUBGROUP/<name>] section.
type SubgroupProfile struct {
	Name              string
	MaxPayloadSize    uint64
	MaxReplyPayload   uint64
	MaxSMCPayloadSize uint64
	BlockSize         uint64
	WindowSize        uint32
	SendAlgorithm     SendAlgorithm
}

// MaxMsgSize is the RBM buffer size for this profile: payload plus
// header, rounded up to a whole number of blocks when the profile
// can exceed the SMC cutover.
func (p *SubgroupProfile) MaxMsgSize() uint64 {
	sz := p.MaxPayloadSize + HeaderSize
	if p.MaxPayloadSize > p.MaxSMCPayloadSize && p.BlockSize > 0 {
		if sz%p.BlockSize != 0 {
			sz = (sz/p.BlockSize + 1) * p.BlockSize
		}
	}
	return sz
}

// SlotSize is the SMM slot footprint: a length prefix, the
// message header, and the max SMC payload.
func (p *SubgroupProfile) SlotSize() uint64 {
	return 4 + HeaderSize + p.MaxSMCPayloadSize
}

// PersistConfig is the [PERS] section.
type PersistConfig struct {
	FilePath       string
	RamdiskPath    string
	Reset          bool
	MaxLogEntry    uint64
	MaxDataSize    uint64
	PrivateKeyFile string
}

// LoggerConfig is the [LOGGER] section. Component levels missing
// from the file fall back to DefaultLogLevel.
type LoggerConfig struct {
	LogFileDepth    uint32
	LogToTerminal   bool
	DefaultLogLevel string
	ComponentLevels map[string]string
}

func (lc *LoggerConfig) Level(component string) string {
	if lv, ok := lc.ComponentLevels[component]; ok {
		return lv
	}
	return lc.DefaultLogLevel
}

// Config is the full configuration value for one node. It is
// created once at startup by LoadConfig and passed explicitly to
// NewGroup; there is no process-wide singleton.
type Config struct {
	ContactIP   string
	ContactPort uint16

	RestartLeaders     []string
	RestartLeaderPorts []uint16

	LocalID NodeID
	LocalIP string

	GmsPort           uint16
	StateTransferPort uint16
	SstPort           uint16
	RdmcPort          uint16
	ExternalPort      uint16

	HeartbeatMs        uint32
	SstPollCqTimeoutMs uint32
	RestartTimeoutMs   uint32

	EnableBackupRestartLeaders bool
	DisablePartitioningSafety  bool

	MaxP2PRequestPayloadSize uint64
	MaxP2PReplyPayloadSize   uint64
	P2PWindowSize            uint32
	MaxNodeID                uint32

	// P2PLoopBusyWaitBeforeSleepMs: a polling loop spins for this
	// many milliseconds after its last observed event before it
	// blocks on its wakeup channel. Applied to the SST predicate
	// loop's idle transition.
	P2PLoopBusyWaitBeforeSleepMs uint32

	// SenderTimeoutMs bounds how long a blocked send waits on the
	// window before returning ErrWindowFull.
	SenderTimeoutMs uint32

	DefaultProfile SubgroupProfile
	Profiles       map[string]*SubgroupProfile

	LayoutJSON string
	LayoutFile string

	Pers   PersistConfig
	Logger LoggerConfig

	// RpcCfg configures the rpc25519 transport host. Shared by
	// the server and client sides of this node.
	RpcCfg *rpc.Config

	// UseLoopback replaces the network transport with the
	// in-process loopback; used by tests and single-machine demos.
	UseLoopback bool
}

// Profile returns the named profile, falling back to the defaults
// for any key the named section omitted; the empty name is the
// default profile itself.
func (c *Config) Profile(name string) *SubgroupProfile {
	if name == "" || name == "DEFAULT" {
		p := c.DefaultProfile
		return &p
	}
	if p, ok := c.Profiles[name]; ok {
		return p
	}
	p := c.DefaultProfile
	p.Name = name
	return &p
}

func defaultConfig() *Config {
	return &Config{
		ContactIP:                    "127.0.0.1",
		ContactPort:                  23580,
		LocalIP:                      "127.0.0.1",
		GmsPort:                      23580,
		StateTransferPort:            28366,
		SstPort:                      37683,
		RdmcPort:                     31675,
		ExternalPort:                 32645,
		HeartbeatMs:                  100,
		SstPollCqTimeoutMs:           2000,
		RestartTimeoutMs:             10000,
		MaxP2PRequestPayloadSize:     10240,
		MaxP2PReplyPayloadSize:       10240,
		P2PWindowSize:                16,
		MaxNodeID:                    1024,
		P2PLoopBusyWaitBeforeSleepMs: 250,
		SenderTimeoutMs:              5000,
		DefaultProfile: SubgroupProfile{
			Name:              "DEFAULT",
			MaxPayloadSize:    10240,
			MaxReplyPayload:   10240,
			MaxSMCPayloadSize: 10240,
			BlockSize:         1048576,
			WindowSize:        16,
			SendAlgorithm:     BinomialSend,
		},
		Profiles: make(map[string]*SubgroupProfile),
		Pers: PersistConfig{
			FilePath:    ".plog",
			MaxLogEntry: 1048576,
			MaxDataSize: 1 << 30,
		},
		Logger: LoggerConfig{
			LogFileDepth:    3,
			LogToTerminal:   true,
			DefaultLogLevel: "info",
			ComponentLevels: make(map[string]string),
		},
	}
}

// LoadConfig reads the group configuration file, then the node
// configuration file, then applies the cliOverrides map (keys as
// "SECTION/key" or bare DERECHO keys), in increasing precedence.
// Empty paths fall back to the DERECHO_CONF_FILE and
// DERECHO_NODE_CONF_FILE environment variables, then to
// derecho.cfg / derecho_node.cfg in the working directory if they
// exist. A missing file is only an error when it was named
// explicitly.
func LoadConfig(confPath, nodeConfPath string, cliOverrides map[string]string) (*Config, error) {
	c := defaultConfig()

	resolve := func(path, envVar, fallback string) (string, bool, error) {
		if path != "" {
			if _, err := os.Stat(path); err != nil {
				return "", false, cfgErrf("", "cannot open configuration file %q: %v", path, err)
			}
			return path, true, nil
		}
		if env := os.Getenv(envVar); env != "" {
			if _, err := os.Stat(env); err != nil {
				return "", false, cfgErrf("", "cannot open configuration file %q from %v: %v", env, envVar, err)
			}
			return env, true, nil
		}
		if _, err := os.Stat(fallback); err == nil {
			return fallback, true, nil
		}
		return "", false, nil
	}

	groupFile, haveGroup, err := resolve(confPath, "DERECHO_CONF_FILE", "derecho.cfg")
	if err != nil {
		return nil, err
	}
	nodeFile, haveNode, err := resolve(nodeConfPath, "DERECHO_NODE_CONF_FILE", "derecho_node.cfg")
	if err != nil {
		return nil, err
	}

	if haveGroup {
		if err := c.mergeFile(groupFile); err != nil {
			return nil, err
		}
	}
	if haveNode {
		if err := c.mergeFile(nodeFile); err != nil {
			return nil, err
		}
	}
	if !haveGroup && !haveNode && len(cliOverrides) == 0 {
		alwaysPrintf("warning: derecho.cfg and derecho_node.cfg not found, and no command-line options specified; using all default configuration options.")
	}
	if err := c.mergeOverrides(cliOverrides); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) mergeFile(path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return cfgErrf("", "cannot parse %q: %v", path, err)
	}
	for _, sec := range f.Sections() {
		name := sec.Name()
		for _, key := range sec.Keys() {
			full := name + "/" + key.Name()
			if name == ini.DefaultSection {
				full = key.Name()
			}
			if err := c.setKey(full, key.String()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Config) mergeOverrides(overrides map[string]string) error {
	for k, v := range overrides {
		if err := c.setKey(k, v); err != nil {
			return err
		}
	}
	return nil
}

func parseU16(key, val string) (uint16, error) {
	u, err := strconv.ParseUint(val, 10, 16)
	if err != nil {
		return 0, cfgErrf(key, "bad port/uint16 value %q: %v", val, err)
	}
	return uint16(u), nil
}

func parseU32(key, val string) (uint32, error) {
	u, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, cfgErrf(key, "bad uint32 value %q: %v", val, err)
	}
	return uint32(u), nil
}

func parseU64(key, val string) (uint64, error) {
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, cfgErrf(key, "bad uint64 value %q: %v", val, err)
	}
	return u, nil
}

func parseBool(key, val string) (bool, error) {
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, cfgErrf(key, "bad bool value %q: %v", val, err)
	}
	return b, nil
}

// setKey applies one "SECTION/key" (or bare DERECHO key) setting.
func (c *Config) setKey(full, val string) error {
	var err error
	section := "DERECHO"
	key := full
	if i := strings.Index(full, "/"); i >= 0 {
		section = full[:i]
		key = full[i+1:]
	}
	switch section {
	case "DERECHO":
		switch key {
		case "contact_ip":
			c.ContactIP = val
		case "contact_port":
			c.ContactPort, err = parseU16(full, val)
		case "restart_leaders":
			c.RestartLeaders = splitCSV(val)
		case "restart_leader_ports":
			for _, p := range splitCSV(val) {
				var u uint16
				u, err = parseU16(full, p)
				if err != nil {
					return err
				}
				c.RestartLeaderPorts = append(c.RestartLeaderPorts, u)
			}
		case "local_id":
			var u uint32
			u, err = parseU32(full, val)
			c.LocalID = NodeID(u)
		case "local_ip":
			c.LocalIP = val
		case "gms_port":
			c.GmsPort, err = parseU16(full, val)
		case "state_transfer_port":
			c.StateTransferPort, err = parseU16(full, val)
		case "sst_port":
			c.SstPort, err = parseU16(full, val)
		case "rdmc_port":
			c.RdmcPort, err = parseU16(full, val)
		case "external_port":
			c.ExternalPort, err = parseU16(full, val)
		case "heartbeat_ms":
			c.HeartbeatMs, err = parseU32(full, val)
		case "sst_poll_cq_timeout_ms":
			c.SstPollCqTimeoutMs, err = parseU32(full, val)
		case "restart_timeout_ms":
			c.RestartTimeoutMs, err = parseU32(full, val)
		case "enable_backup_restart_leaders":
			c.EnableBackupRestartLeaders, err = parseBool(full, val)
		case "disable_partitioning_safety":
			c.DisablePartitioningSafety, err = parseBool(full, val)
		case "max_p2p_request_payload_size":
			c.MaxP2PRequestPayloadSize, err = parseU64(full, val)
		case "max_p2p_reply_payload_size":
			c.MaxP2PReplyPayloadSize, err = parseU64(full, val)
		case "p2p_window_size":
			c.P2PWindowSize, err = parseU32(full, val)
		case "max_node_id":
			c.MaxNodeID, err = parseU32(full, val)
		case "p2p_loop_busy_wait_before_sleep_ms":
			c.P2PLoopBusyWaitBeforeSleepMs, err = parseU32(full, val)
		case "sender_timeout_ms":
			c.SenderTimeoutMs, err = parseU32(full, val)
		default:
			return cfgErrf(full, "unrecognized DERECHO key")
		}
	case "LAYOUT":
		switch key {
		case "json_layout":
			c.LayoutJSON = val
		case "json_layout_file":
			c.LayoutFile = val
		default:
			return cfgErrf(full, "unrecognized LAYOUT key")
		}
	case "PERS":
		switch key {
		case "file_path":
			c.Pers.FilePath = val
		case "ramdisk_path":
			c.Pers.RamdiskPath = val
		case "reset":
			c.Pers.Reset, err = parseBool(full, val)
		case "max_log_entry":
			c.Pers.MaxLogEntry, err = parseU64(full, val)
		case "max_data_size":
			c.Pers.MaxDataSize, err = parseU64(full, val)
		case "private_key_file":
			c.Pers.PrivateKeyFile = val
		default:
			return cfgErrf(full, "unrecognized PERS key")
		}
	case "LOGGER":
		switch key {
		case "log_file_depth":
			c.Logger.LogFileDepth, err = parseU32(full, val)
		case "log_to_terminal":
			c.Logger.LogToTerminal, err = parseBool(full, val)
		case "default_log_level":
			c.Logger.DefaultLogLevel = val
		default:
			if strings.HasSuffix(key, "_log_level") {
				comp := strings.TrimSuffix(key, "_log_level")
				c.Logger.ComponentLevels[comp] = val
			} else {
				return cfgErrf(full, "unrecognized LOGGER key")
			}
		}
	default:
		if strings.HasPrefix(section, "SUBGROUP") {
			return c.setSubgroupKey(section, key, val)
		}
		return cfgErrf(full, "unrecognized section %q", section)
	}
	return err
}

func (c *Config) setSubgroupKey(section, key, val string) error {
	full := section + "/" + key
	var p *SubgroupProfile
	if section == "SUBGROUP" {
		p = &c.DefaultProfile
	} else {
		name := strings.TrimPrefix(section, "SUBGROUP/")
		var ok bool
		p, ok = c.Profiles[name]
		if !ok {
			// named profiles start from the defaults, then
			// override whatever keys their section supplies.
			cp := c.DefaultProfile
			cp.Name = name
			p = &cp
			c.Profiles[name] = p
		}
	}
	var err error
	switch key {
	case "max_payload_size":
		p.MaxPayloadSize, err = parseU64(full, val)
	case "max_reply_payload_size":
		p.MaxReplyPayload, err = parseU64(full, val)
	case "max_smc_payload_size":
		p.MaxSMCPayloadSize, err = parseU64(full, val)
	case "block_size":
		p.BlockSize, err = parseU64(full, val)
	case "window_size":
		p.WindowSize, err = parseU32(full, val)
	case "rdmc_send_algorithm":
		p.SendAlgorithm, err = ParseSendAlgorithm(val)
	default:
		return cfgErrf(full, "unrecognized SUBGROUP key")
	}
	return err
}

func splitCSV(s string) (out []string) {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return
}

// Validate enforces the initialization-time checks. Configuration
// errors are fatal: a Config that fails Validate must not be used.
func (c *Config) Validate() error {
	if uint32(c.LocalID) >= c.MaxNodeID {
		return cfgErrf("DERECHO/local_id", "local_id %v must be below max_node_id %v", c.LocalID, c.MaxNodeID)
	}
	if c.MaxP2PReplyPayloadSize < MinRPCResponseSize {
		return cfgErrf("DERECHO/max_p2p_reply_payload_size", "%v is below the minimum rpc response size %v", c.MaxP2PReplyPayloadSize, MinRPCResponseSize)
	}
	if c.LayoutJSON != "" && c.LayoutFile != "" {
		return cfgErrf("LAYOUT", "json_layout and json_layout_file are mutually exclusive")
	}
	check := func(p *SubgroupProfile) error {
		if p.MaxReplyPayload < MinRPCResponseSize {
			return cfgErrf(fmt.Sprintf("SUBGROUP/%v/max_reply_payload_size", p.Name), "%v is below the minimum rpc response size %v", p.MaxReplyPayload, MinRPCResponseSize)
		}
		if p.BlockSize == 0 {
			return cfgErrf(fmt.Sprintf("SUBGROUP/%v/block_size", p.Name), "block_size must be positive")
		}
		if p.WindowSize == 0 {
			return cfgErrf(fmt.Sprintf("SUBGROUP/%v/window_size", p.Name), "window_size must be positive")
		}
		return nil
	}
	if err := check(&c.DefaultProfile); err != nil {
		return err
	}
	for _, p := range c.Profiles {
		if err := check(p); err != nil {
			return err
		}
	}
	if len(c.RestartLeaderPorts) != 0 && len(c.RestartLeaderPorts) != len(c.RestartLeaders) {
		return cfgErrf("DERECHO/restart_leader_ports", "restart_leader_ports count %v does not match restart_leaders count %v", len(c.RestartLeaderPorts), len(c.RestartLeaders))
	}
	return nil
}

// PersistPath yields the per-subgroup log path, preferring the
// ramdisk path when configured.
func (c *Config) PersistPath(subgroup SubgroupID) string {
	base := c.Pers.FilePath
	if c.Pers.RamdiskPath != "" {
		base = c.Pers.RamdiskPath
	}
	return fmt.Sprintf("%v/node%v.subgroup%v.plog", base, c.LocalID, subgroup)
}
