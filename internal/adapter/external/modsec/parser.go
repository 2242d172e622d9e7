package modsec

import (
	"bufio"
	"io"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

const (
	apacheLayout = "Mon Jan 02 15:04:05.000000 2006"
	nginxLayout  = "2006/01/02 15:04:05"
	maxLineSize  = 256 * 1024
)

var (
	// [Mon Jan 05 20:04:43.867209 2026] [security2:error] [pid 23655:tid 1406] [client 5.48.159.190:57294] ModSecurity: ...
	apacheTimeRe = regexp.MustCompile(`^\[(\w{3} \w{3} \d{2} \d{2}:\d{2}:\d{2}\.\d+ \d{4})\]`)
	// 2026/01/05 20:04:43 [error] 1234#1234: *56 ModSecurity: ... client: 5.48.159.190, server: ...
	nginxTimeRe = regexp.MustCompile(`^(\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2})`)

	apacheClientRe = regexp.MustCompile(`\[client ([^\]]+)\]`)
	nginxClientRe  = regexp.MustCompile(`, client: ([0-9A-Fa-f:.]+)`)
	idRe           = regexp.MustCompile(`\[id "(\d+)"\]`)
	msgRe          = regexp.MustCompile(`\[msg "([^"]*)"\]`)
	severityRe     = regexp.MustCompile(`\[severity "([^"]+)"\]`)
	hostnameRe     = regexp.MustCompile(`\[hostname "([^"]+)"\]`)
	uriRe          = regexp.MustCompile(`\[uri "([^"]+)"\]`)
	uniqueIDRe     = regexp.MustCompile(`\[unique_id "([^"]+)"\]`)
	tagRe          = regexp.MustCompile(`\[tag "attack-([a-z0-9-]+)"\]`)
)

// ruleFamilies maps CRS rule id prefixes to attack types
var ruleFamilies = map[string]string{
	"913": "scanner",
	"920": "protocol",
	"921": "protocol",
	"930": "lfi",
	"931": "rfi",
	"932": "rce",
	"933": "injection-php",
	"934": "injection-nodejs",
	"941": "xss",
	"942": "sqli",
	"943": "fixation",
	"944": "injection-java",
	"949": "anomaly",
	"959": "anomaly",
	"980": "anomaly",
}

// Parser turns ModSecurity error log lines into WAF events
type Parser struct {
	loc *time.Location
}

// NewParser creates a parser. Log timestamps carry no zone and are read
// in loc; nil means UTC.
func NewParser(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	return &Parser{loc: loc}
}

// IsModSecLine reports whether a raw log line is a ModSecurity match
func IsModSecLine(line string) bool {
	return strings.Contains(line, "[security2:error]") || strings.Contains(line, "ModSecurity:")
}

// ParseLine parses one line. It returns false for lines that are not
// ModSecurity matches or carry no client address.
func (p *Parser) ParseLine(line string) (entity.WAFEvent, bool) {
	if !IsModSecLine(line) {
		return entity.WAFEvent{}, false
	}

	ip := clientIP(line)
	if ip == "" {
		return entity.WAFEvent{}, false
	}

	evt := entity.WAFEvent{
		EventID:  uuid.New(),
		ClientIP: ip,
		Source:   entity.EventSourceModSec,
	}
	evt.Timestamp = p.timestamp(line)
	evt.RuleID = submatch(idRe, line)
	evt.Message = submatch(msgRe, line)
	evt.Hostname = submatch(hostnameRe, line)
	evt.URI = submatch(uriRe, line)
	evt.Severity = mapSeverity(submatch(severityRe, line), strings.Contains(line, "Access denied"))
	evt.AttackType = attackType(line, evt.RuleID)

	if uid := submatch(uniqueIDRe, line); uid != "" {
		evt.EventID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(uid))
	}
	return evt, true
}

// Parse reads a log stream. Lines of one request (same unique_id) are
// merged into a single event carrying the highest severity. Events
// before since are skipped.
func (p *Parser) Parse(r io.Reader, since time.Time) ([]entity.WAFEvent, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var events []entity.WAFEvent
	byRequest := map[uuid.UUID]int{}

	for scanner.Scan() {
		evt, ok := p.ParseLine(scanner.Text())
		if !ok {
			continue
		}
		if !since.IsZero() && !evt.Timestamp.IsZero() && evt.Timestamp.Before(since) {
			continue
		}

		if i, seen := byRequest[evt.EventID]; seen {
			merge(&events[i], evt)
			continue
		}
		byRequest[evt.EventID] = len(events)
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return events, err
	}
	return events, nil
}

// merge folds another rule match of the same request into cur
func merge(cur *entity.WAFEvent, next entity.WAFEvent) {
	if next.Severity.Rank() > cur.Severity.Rank() {
		cur.Severity = next.Severity
	}
	if (cur.AttackType == "anomaly" || cur.AttackType == "generic") && next.AttackType != "anomaly" && next.AttackType != "generic" {
		cur.AttackType = next.AttackType
		cur.RuleID = next.RuleID
		cur.Message = next.Message
	}
}

func (p *Parser) timestamp(line string) time.Time {
	if m := apacheTimeRe.FindStringSubmatch(line); len(m) > 1 {
		if t, err := time.ParseInLocation(apacheLayout, m[1], p.loc); err == nil {
			return t.UTC()
		}
	}
	if m := nginxTimeRe.FindStringSubmatch(line); len(m) > 1 {
		if t, err := time.ParseInLocation(nginxLayout, m[1], p.loc); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// clientIP extracts the peer address from either log flavour. Apache
// appends the source port after the last colon.
func clientIP(line string) string {
	if m := apacheClientRe.FindStringSubmatch(line); len(m) > 1 {
		raw := m[1]
		if addr, err := netip.ParseAddr(raw); err == nil {
			return addr.Unmap().String()
		}
		if ap, err := netip.ParseAddrPort(raw); err == nil {
			return ap.Addr().Unmap().String()
		}
		if i := strings.LastIndex(raw, ":"); i > 0 {
			if addr, err := netip.ParseAddr(raw[:i]); err == nil {
				return addr.Unmap().String()
			}
		}
		return ""
	}
	if m := nginxClientRe.FindStringSubmatch(line); len(m) > 1 {
		if addr, err := netip.ParseAddr(m[1]); err == nil {
			return addr.Unmap().String()
		}
	}
	return ""
}

// mapSeverity folds syslog-style ModSecurity severities (names or 0-7)
// into ban severities
func mapSeverity(raw string, denied bool) entity.Severity {
	level := strings.ToUpper(strings.TrimSpace(raw))
	if n, err := strconv.Atoi(level); err == nil {
		names := []string{"EMERGENCY", "ALERT", "CRITICAL", "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG"}
		if n >= 0 && n < len(names) {
			level = names[n]
		}
	}
	switch level {
	case "EMERGENCY", "ALERT", "CRITICAL":
		return entity.SeverityCritical
	case "ERROR":
		return entity.SeverityHigh
	case "WARNING":
		return entity.SeverityMedium
	case "NOTICE", "INFO", "DEBUG":
		return entity.SeverityLow
	}
	if denied {
		return entity.SeverityHigh
	}
	return entity.SeverityLow
}

func attackType(line, ruleID string) string {
	if tag := submatch(tagRe, line); tag != "" {
		return tag
	}
	if len(ruleID) >= 3 {
		if family, ok := ruleFamilies[ruleID[:3]]; ok {
			return family
		}
	}
	return "generic"
}

func submatch(re *regexp.Regexp, line string) string {
	if m := re.FindStringSubmatch(line); len(m) > 1 {
		return m[1]
	}
	return ""
}
