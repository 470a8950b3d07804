package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tamitakada/derecho"
)

// derecho-node runs one group member until interrupted. Command
// line options override the node and group configuration files,
// which override the built-in defaults.
func main() {
	var conf = flag.String("conf", "", "group configuration file (default: $DERECHO_CONF_FILE or ./derecho.cfg)")
	var nodeConf = flag.String("node-conf", "", "node configuration file (default: $DERECHO_NODE_CONF_FILE or ./derecho_node.cfg)")
	var localID = flag.Uint("local-id", 0, "override DERECHO/local_id")
	var localIP = flag.String("local-ip", "", "override DERECHO/local_ip")
	var gmsPort = flag.Uint("gms-port", 0, "override DERECHO/gms_port")
	var contactIP = flag.String("contact-ip", "", "override DERECHO/contact_ip")
	var contactPort = flag.Uint("contact-port", 0, "override DERECHO/contact_port")
	var layoutFile = flag.String("layout", "", "override LAYOUT/json_layout_file")
	var reset = flag.Bool("reset", false, "override PERS/reset: truncate the persistent logs")
	var quiet = flag.Bool("quiet", false, "operate quietly")
	flag.Parse()

	overrides := map[string]string{}
	if flag.Lookup("local-id") != nil && *localID != 0 {
		overrides["local_id"] = fmt.Sprint(*localID)
	}
	if *localIP != "" {
		overrides["local_ip"] = *localIP
	}
	if *gmsPort != 0 {
		overrides["gms_port"] = fmt.Sprint(*gmsPort)
	}
	if *contactIP != "" {
		overrides["contact_ip"] = *contactIP
	}
	if *contactPort != 0 {
		overrides["contact_port"] = fmt.Sprint(*contactPort)
	}
	if *layoutFile != "" {
		overrides["LAYOUT/json_layout_file"] = *layoutFile
	}
	if *reset {
		overrides["PERS/reset"] = "true"
	}

	cfg, err := derecho.LoadConfig(*conf, *nodeConf, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "derecho-node: %v\n", err)
		os.Exit(1)
	}

	cb := derecho.CallbackSet{}
	if !*quiet {
		cb.StabilityCallback = func(sub derecho.SubgroupID, sender derecho.NodeID, index int64, data []byte, version derecho.Version) {
			fmt.Printf("delivered subgroup=%v sender=%v index=%v bytes=%v version=%v\n",
				sub, sender, index, len(data), version)
		}
	}

	g, err := derecho.NewGroup(cfg, cb, derecho.NewTypeRegistry())
	if err != nil {
		fmt.Fprintf(os.Stderr, "derecho-node: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("derecho-node: up as %v\n", g)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		fmt.Println("derecho-node: leaving group")
		g.Leave(false)
	case <-g.Halt:
	}
}
