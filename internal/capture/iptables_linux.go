//go:build linux

package capture

import (
	"fmt"
	"os/exec"
	"paqet/internal/flog"
)

// iptablesGuard keeps the kernel's own TCP/UDP stack out of the way of a
// diverted game-server address:
//   - filter/OUTPUT DROP stops the kernel's real SYN (and all other real
//     traffic) from ever reaching the wire, so only our synthesised replies
//     are seen by the game client.
//   - raw PREROUTING/OUTPUT NOTRACK keeps conntrack from tracking the
//     diverted address, so it does not tear down state when it sees our
//     synthesised packets arrive with sequence numbers it never put there.
//
// Without the DROP rule the kernel's real SYN can still reach the actual
// game server and race our synthesised SYN-ACK; without NOTRACK, conntrack
// treats our injected packets as invalid and may itself emit RSTs.
type iptablesGuard struct {
	targetIPv4 string
	targetIPv6 string
	exceptPort uint16
	rules      []iptRule
}

type iptRule struct {
	table string
	chain string
	args  []string
}

func newIptablesGuard(targetIPv4, targetIPv6 string, exceptPort uint16) *iptablesGuard {
	g := &iptablesGuard{targetIPv4: targetIPv4, targetIPv6: targetIPv6, exceptPort: exceptPort}
	if targetIPv4 != "" {
		g.rules = append(g.rules, g.rulesForHost(targetIPv4)...)
	}
	return g
}

func (g *iptablesGuard) rulesForHost(ip string) []iptRule {
	except := fmt.Sprint(g.exceptPort)
	return []iptRule{
		{table: "raw", chain: "PREROUTING", args: []string{"-s", ip, "-j", "NOTRACK"}},
		{table: "raw", chain: "OUTPUT", args: []string{"-d", ip, "-j", "NOTRACK"}},
		{table: "filter", chain: "OUTPUT", args: []string{"-d", ip, "-p", "tcp", "!", "--dport", except, "-j", "DROP"}},
		{table: "filter", chain: "OUTPUT", args: []string{"-d", ip, "-p", "udp", "!", "--dport", except, "-j", "DROP"}},
	}
}

func (g *iptablesGuard) Install() {
	for _, r := range g.rules {
		args := append([]string{"-t", r.table, "-C", r.chain}, r.args...)
		if exec.Command("iptables", args...).Run() == nil {
			flog.Infof("iptables: %s/%s rule for %s already exists", r.table, r.chain, g.targetIPv4)
			continue
		}
		args[2] = "-I" // insert at top
		if err := exec.Command("iptables", args...).Run(); err != nil {
			flog.Warnf("iptables: failed to add %s/%s rule for %s: %v", r.table, r.chain, g.targetIPv4, err)
		} else {
			flog.Infof("iptables: added %s/%s rule for %s", r.table, r.chain, g.targetIPv4)
		}
	}
}

func (g *iptablesGuard) Remove() {
	for _, r := range g.rules {
		args := append([]string{"-t", r.table, "-D", r.chain}, r.args...)
		_ = exec.Command("iptables", args...).Run()
	}
}
