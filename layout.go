package derecho

import (
	"fmt"
	"os"

	gjson "github.com/goccy/go-json"
)

// Mode is the delivery mode of a shard.
type Mode int

const (
	// Ordered shards deliver the totally-ordered round-robin stream.
	Ordered Mode = iota
	// Unordered shards deliver best-effort, on receipt.
	Unordered
)

func (m Mode) String() string {
	if m == Unordered {
		return "unordered"
	}
	return "ordered"
}

// shardSpec is the JSON form of one shard of one subgroup.
//
// Either "members" pins explicit node ids, or "min_nodes" asks the
// allocator to take that many of the lowest-ranked members of the
// view that are not yet assigned within this subgroup type.
// "senders", when present, must match the member count; missing
// means all members send.
type shardSpec struct {
	Members  []uint32 `json:"members"`
	MinNodes int      `json:"min_nodes"`
	MaxNodes int      `json:"max_nodes"` // 0 means exactly min_nodes
	Senders  []bool   `json:"senders"`
	Mode     string   `json:"mode"`
	Profile  string   `json:"profile"`
}

type subgroupSpec struct {
	TypeAlias string      `json:"type_alias"`
	Shards    []shardSpec `json:"shards"`
}

// Layout is the parsed [LAYOUT] description: the list of subgroup
// types, each with its shards, in subgroup-id order.
type Layout struct {
	Subgroups []subgroupSpec
}

// NumSubgroups is the total shard-bearing subgroup count; subgroup
// ids are assigned densely in declaration order.
func (l *Layout) NumSubgroups() int {
	return len(l.Subgroups)
}

// LoadLayout parses the layout from the config, from the inline
// json_layout or the json_layout_file, whichever is set.
func LoadLayout(c *Config) (*Layout, error) {
	raw := []byte(c.LayoutJSON)
	where := "LAYOUT/json_layout"
	if c.LayoutFile != "" {
		var err error
		raw, err = os.ReadFile(c.LayoutFile)
		if err != nil {
			return nil, cfgErrf("LAYOUT/json_layout_file", "cannot read %q: %v", c.LayoutFile, err)
		}
		where = "LAYOUT/json_layout_file"
	}
	if len(raw) == 0 {
		return nil, cfgErrf("LAYOUT", "one of json_layout or json_layout_file is required")
	}
	var specs []subgroupSpec
	if err := gjson.Unmarshal(raw, &specs); err != nil {
		return nil, cfgErrf(where, "invalid JSON layout: %v", err)
	}
	lay := &Layout{Subgroups: specs}
	if err := lay.check(); err != nil {
		return nil, err
	}
	return lay, nil
}

func (l *Layout) check() error {
	if len(l.Subgroups) == 0 {
		return cfgErrf("LAYOUT", "layout declares no subgroups")
	}
	for i, sg := range l.Subgroups {
		if len(sg.Shards) == 0 {
			return cfgErrf("LAYOUT", "subgroup %v (%q) declares no shards", i, sg.TypeAlias)
		}
		for j, sh := range sg.Shards {
			if len(sh.Members) == 0 && sh.MinNodes <= 0 {
				return cfgErrf("LAYOUT", "subgroup %v shard %v needs members or min_nodes", i, j)
			}
			if sh.MaxNodes != 0 && sh.MaxNodes < sh.MinNodes {
				return cfgErrf("LAYOUT", "subgroup %v shard %v: max_nodes %v below min_nodes %v", i, j, sh.MaxNodes, sh.MinNodes)
			}
			if len(sh.Senders) != 0 && len(sh.Members) != 0 && len(sh.Senders) != len(sh.Members) {
				return cfgErrf("LAYOUT", "subgroup %v shard %v: senders bitmap length %v != member count %v", i, j, len(sh.Senders), len(sh.Members))
			}
			switch sh.Mode {
			case "", "ordered", "unordered":
			default:
				return cfgErrf("LAYOUT", "subgroup %v shard %v: bad mode %q", i, j, sh.Mode)
			}
		}
	}
	return nil
}

func (s *shardSpec) mode() Mode {
	if s.Mode == "unordered" {
		return Unordered
	}
	return Ordered
}

// Provision computes the per-subgroup shard assignment for the
// given ordered member roster. It returns ErrNotProvisioned when
// some shard cannot be filled; the caller retries on the next
// view. The assignment is deterministic in (layout, members), so
// every member computes the same SubViews.
func (l *Layout) Provision(members []NodeID, cfg *Config) ([][]SubView, error) {
	present := make(map[NodeID]bool, len(members))
	for _, m := range members {
		present[m] = true
	}
	out := make([][]SubView, len(l.Subgroups))
	for i, sg := range l.Subgroups {
		assigned := make(map[NodeID]bool)
		shards := make([]SubView, 0, len(sg.Shards))
		for j, sh := range sg.Shards {
			var picked []NodeID
			if len(sh.Members) > 0 {
				for _, id := range sh.Members {
					if !present[NodeID(id)] {
						return nil, fmt.Errorf("%w: subgroup %v shard %v needs node %v", ErrNotProvisioned, i, j, id)
					}
					picked = append(picked, NodeID(id))
				}
			} else {
				max := sh.MaxNodes
				if max == 0 {
					max = sh.MinNodes
				}
				for _, m := range members {
					if len(picked) == max {
						break
					}
					if !assigned[m] {
						picked = append(picked, m)
					}
				}
				if len(picked) < sh.MinNodes {
					return nil, fmt.Errorf("%w: subgroup %v shard %v needs %v nodes, view has %v unassigned", ErrNotProvisioned, i, j, sh.MinNodes, len(picked))
				}
			}
			for _, m := range picked {
				assigned[m] = true
			}
			senders := sh.Senders
			if len(senders) != len(picked) {
				senders = make([]bool, len(picked))
				for k := range senders {
					senders[k] = true
				}
			}
			shards = append(shards, SubView{
				Mode:     sh.mode(),
				Members:  picked,
				IsSender: senders,
				Profile:  *cfg.Profile(sh.Profile),
			})
		}
		out[i] = shards
	}
	return out, nil
}
