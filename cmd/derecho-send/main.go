package main

import (
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/tamitakada/derecho"
)

// derecho-send joins a group, fires a stream of multicasts into
// one subgroup, and reports the delivery latency digest.
func main() {
	var conf = flag.String("conf", "", "group configuration file")
	var nodeConf = flag.String("node-conf", "", "node configuration file")
	var sub = flag.Uint("subgroup", 0, "subgroup id to send in")
	var n = flag.Int("n", 1000, "number of messages to send")
	var size = flag.Uint64("size", 1024, "payload bytes per message")
	var wait = flag.Duration("wait", 30*time.Second, "how long to wait for deliveries after the last send")
	flag.Parse()

	cfg, err := derecho.LoadConfig(*conf, *nodeConf, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "derecho-send: %v\n", err)
		os.Exit(1)
	}

	var delivered atomic.Int64
	cb := derecho.CallbackSet{
		StabilityCallback: func(sub derecho.SubgroupID, sender derecho.NodeID, index int64, data []byte, version derecho.Version) {
			delivered.Add(1)
		},
	}
	g, err := derecho.NewGroup(cfg, cb, derecho.NewTypeRegistry())
	if err != nil {
		fmt.Fprintf(os.Stderr, "derecho-send: %v\n", err)
		os.Exit(1)
	}

	subID := derecho.SubgroupID(*sub)
	payload := make([]byte, *size)
	t0 := time.Now()
	sent := 0
	for sent < *n {
		err := g.Send(subID, *size, func(buf []byte) { copy(buf, payload) }, false)
		switch err {
		case nil:
			sent++
		case derecho.ErrWindowFull:
			time.Sleep(time.Millisecond)
		default:
			fmt.Fprintf(os.Stderr, "derecho-send: send %v failed: %v\n", sent, err)
			os.Exit(1)
		}
	}
	elapsed := time.Since(t0)
	fmt.Printf("derecho-send: %v sends in %v (%.1f msgs/sec)\n",
		sent, elapsed, float64(sent)/elapsed.Seconds())

	deadline := time.Now().Add(*wait)
	for time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Printf("derecho-send: observed %v deliveries\n", delivered.Load())
	if d := g.DeliveryDigest(subID); d != nil {
		fmt.Printf("derecho-send: %v\n", d)
	}
	g.Leave(false)
}
