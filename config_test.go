package derecho

import (
	"os"
	"path/filepath"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func writeTempCfg(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	panicOn(os.WriteFile(path, []byte(contents), 0644))
	return path
}

func Test020_config_load_and_precedence(t *testing.T) {

	groupCfg := `
[DERECHO]
local_id = 3
max_node_id = 64
contact_ip = 10.0.0.1
contact_port = 9000
heartbeat_ms = 50

[SUBGROUP]
max_payload_size = 20480
max_reply_payload_size = 1024
max_smc_payload_size = 512
block_size = 4096
window_size = 8
rdmc_send_algorithm = chain_send

[SUBGROUP/BIG]
max_payload_size = 1048576
rdmc_send_algorithm = binomial_send

[LAYOUT]
json_layout = [{"type_alias":"KV","shards":[{"min_nodes":2}]}]

[PERS]
file_path = /tmp/derecho-test-logs
reset = true

[LOGGER]
default_log_level = debug
sst_log_level = trace
`
	nodeCfg := `
[DERECHO]
local_ip = 192.168.1.7
heartbeat_ms = 75
`

	cv.Convey("group conf, node conf, and CLI overrides should layer in order", t, func() {
		gp := writeTempCfg(t, "derecho.cfg", groupCfg)
		np := writeTempCfg(t, "derecho_node.cfg", nodeCfg)

		c, err := LoadConfig(gp, np, map[string]string{"heartbeat_ms": "99"})
		panicOn(err)

		cv.So(c.LocalID, cv.ShouldEqual, NodeID(3))
		cv.So(c.ContactIP, cv.ShouldEqual, "10.0.0.1")
		cv.So(c.ContactPort, cv.ShouldEqual, 9000)
		// node conf beats group conf; CLI beats node conf.
		cv.So(c.LocalIP, cv.ShouldEqual, "192.168.1.7")
		cv.So(c.HeartbeatMs, cv.ShouldEqual, 99)

		cv.So(c.DefaultProfile.MaxPayloadSize, cv.ShouldEqual, 20480)
		cv.So(c.DefaultProfile.SendAlgorithm, cv.ShouldEqual, ChainSend)

		// named profile starts from defaults, then overrides.
		big := c.Profile("BIG")
		cv.So(big.MaxPayloadSize, cv.ShouldEqual, 1048576)
		cv.So(big.BlockSize, cv.ShouldEqual, 4096)
		cv.So(big.SendAlgorithm, cv.ShouldEqual, BinomialSend)

		// unknown profile falls back to the defaults wholesale.
		other := c.Profile("NOPE")
		cv.So(other.MaxPayloadSize, cv.ShouldEqual, 20480)

		cv.So(c.Pers.Reset, cv.ShouldBeTrue)
		cv.So(c.Logger.Level("sst"), cv.ShouldEqual, "trace")
		cv.So(c.Logger.Level("viewmanager"), cv.ShouldEqual, "debug")
	})

	cv.Convey("validation failures should be fatal config errors", t, func() {
		bad := writeTempCfg(t, "bad.cfg", `
[DERECHO]
local_id = 99
max_node_id = 10
`)
		_, err := LoadConfig(bad, "", nil)
		cv.So(err, cv.ShouldNotBeNil)

		both := writeTempCfg(t, "both.cfg", `
[LAYOUT]
json_layout = [{"type_alias":"A","shards":[{"min_nodes":1}]}]
json_layout_file = /tmp/layout.json
`)
		_, err = LoadConfig(both, "", nil)
		cv.So(err, cv.ShouldNotBeNil)

		alg := writeTempCfg(t, "alg.cfg", `
[SUBGROUP]
rdmc_send_algorithm = quantum_send
`)
		_, err = LoadConfig(alg, "", nil)
		cv.So(err, cv.ShouldNotBeNil)

		unknown := writeTempCfg(t, "unk.cfg", `
[DERECHO]
no_such_key = 1
`)
		_, err = LoadConfig(unknown, "", nil)
		cv.So(err, cv.ShouldNotBeNil)
	})

	cv.Convey("a named-but-missing config file should error", t, func() {
		_, err := LoadConfig("/nonexistent/derecho.cfg", "", nil)
		cv.So(err, cv.ShouldNotBeNil)
	})
}

func Test021_profile_msg_sizing(t *testing.T) {

	cv.Convey("MaxMsgSize rounds up to whole blocks for RBM profiles", t, func() {
		p := &SubgroupProfile{
			MaxPayloadSize:    10000,
			MaxSMCPayloadSize: 100,
			BlockSize:         4096,
			WindowSize:        4,
		}
		// 10000+32 = 10032 -> 3 blocks of 4096 = 12288
		cv.So(p.MaxMsgSize(), cv.ShouldEqual, 12288)

		// pure-SMM profile: no rounding.
		q := &SubgroupProfile{
			MaxPayloadSize:    100,
			MaxSMCPayloadSize: 100,
			BlockSize:         4096,
		}
		cv.So(q.MaxMsgSize(), cv.ShouldEqual, 132)
		cv.So(q.SlotSize(), cv.ShouldEqual, 136) // +4 length prefix
	})
}
