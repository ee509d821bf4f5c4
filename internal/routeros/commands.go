package routeros

import (
	"fmt"
	"strings"
)

// Quote renders value as a RouterOS string literal.
func Quote(value string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`, "\n", `\n`, "\r", `\r`)
	return `"` + r.Replace(value) + `"`
}

// PPP secrets and sessions

// SecretAdd creates a PPP secret.
func SecretAdd(name, password, profile, remoteAddress, comment string) string {
	cmd := fmt.Sprintf("/ppp secret add name=%s password=%s profile=%s remote-address=%s",
		Quote(name), Quote(password), Quote(profile), Quote(remoteAddress))
	if comment != "" {
		cmd += " comment=" + Quote(comment)
	}
	return cmd
}

// SecretRemove deletes a PPP secret by name.
func SecretRemove(name string) string {
	return fmt.Sprintf("/ppp secret remove [find name=%s]", Quote(name))
}

// SecretSetPassword changes a PPP secret's password.
func SecretSetPassword(name, password string) string {
	return fmt.Sprintf("/ppp secret set [find name=%s] password=%s", Quote(name), Quote(password))
}

// SecretPrint lists PPP secrets.
func SecretPrint() string {
	return "/ppp secret print detail without-paging"
}

// ActivePrint lists connected PPP sessions.
func ActivePrint() string {
	return "/ppp active print detail without-paging"
}

// ActiveRemove drops a connected PPP session.
func ActiveRemove(name string) string {
	return fmt.Sprintf("/ppp active remove [find name=%s]", Quote(name))
}

// Firewall NAT

// NATAdd creates a dst-nat rule.
func NATAdd(externalPort int, protocol, toAddress string, toPort int, comment string) string {
	cmd := fmt.Sprintf("/ip firewall nat add chain=dstnat dst-port=%d protocol=%s to-addresses=%s to-ports=%d action=dst-nat",
		externalPort, protocol, toAddress, toPort)
	if comment != "" {
		cmd += " comment=" + Quote(comment)
	}
	return cmd
}

// NATPrint lists dst-nat rules.
func NATPrint() string {
	return "/ip firewall nat print detail without-paging where chain=dstnat"
}

// NATRemoveByID deletes a rule by its print index or internal id.
func NATRemoveByID(id string) string {
	return "/ip firewall nat remove " + id
}

// NATRemoveByComment deletes rules carrying comment.
func NATRemoveByComment(comment string) string {
	return fmt.Sprintf("/ip firewall nat remove [find comment=%s]", Quote(comment))
}

// NATRemoveByPort deletes dst-nat rules for an external port and protocol.
func NATRemoveByPort(externalPort int, protocol string) string {
	return fmt.Sprintf("/ip firewall nat remove [find dst-port=%d protocol=%s chain=dstnat]", externalPort, protocol)
}

// NATSetEnabled enables or disables a rule by id.
func NATSetEnabled(id string, enabled bool) string {
	if enabled {
		return "/ip firewall nat enable " + id
	}
	return "/ip firewall nat disable " + id
}

// Routes

// RouteAdd creates a static route.
func RouteAdd(dst, gateway, comment string, distance int) string {
	return fmt.Sprintf("/ip route add dst-address=%s gateway=%s comment=%s distance=%d",
		dst, gateway, Quote(comment), distance)
}

// RoutePrint lists routes whose comment contains commentFilter.
func RoutePrint(commentFilter string) string {
	return fmt.Sprintf("/ip route print detail without-paging where comment~%s", Quote(commentFilter))
}

// Ping sends count echo requests from the device.
func Ping(address string, count int) string {
	return fmt.Sprintf("/ping %s count=%d", address, count)
}

// System

// BackupSave writes a configuration snapshot on the device.
func BackupSave(name string) string {
	return "/system backup save name=" + name
}

// IdentityPrint prints the device identity.
func IdentityPrint() string {
	return "/system identity print"
}

// ResourcePrint prints device resources.
func ResourcePrint() string {
	return "/system resource print"
}

// Echo prints text; used as a no-op liveness check.
func Echo(text string) string {
	return ":put " + Quote(text)
}
