// Package wire defines the XML message schema of the slave protocol:
// register, proceed/recipe, started, step, and the three terminal messages
// completed/aborted/error. Both transport bindings (internal/transport/http
// and internal/transport/grpc) move these same types over the wire; only the
// framing differs.
package wire

import (
	"encoding/xml"
	"time"
)

// Register is the first message a slave sends: its identity, platform
// properties, and any discovered package properties the Platform Matcher's
// rules are evaluated against.
type Register struct {
	XMLName    xml.Name   `xml:"slave"`
	Name       string     `xml:"name,attr"`
	Machine    string     `xml:"machine,attr,omitempty"`
	Processor  string     `xml:"processor,attr,omitempty"`
	OSName     string     `xml:"os,attr,omitempty"`
	OSFamily   string     `xml:"family,attr,omitempty"`
	OSVersion  string     `xml:"version,attr,omitempty"`
	Properties []Property `xml:"package"`
}

// Property is one discovered slave property, e.g. a package name/version
// pair reported alongside the platform attributes.
type Property struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// AsMap flattens Register into the plain property map the Platform Matcher
// consumes: the well-known attributes plus every reported Property, later
// entries winning on key collision.
func (r Register) AsMap() map[string]string {
	m := make(map[string]string, len(r.Properties)+4)
	if r.Machine != "" {
		m["machine"] = r.Machine
	}
	if r.Processor != "" {
		m["processor"] = r.Processor
	}
	if r.OSName != "" {
		m["os"] = r.OSName
	}
	if r.OSFamily != "" {
		m["family"] = r.OSFamily
	}
	if r.OSVersion != "" {
		m["version"] = r.OSVersion
	}
	for _, p := range r.Properties {
		m[p.Name] = p.Value
	}
	return m
}

// Started is sent when the slave begins executing the dispatched recipe.
type Started struct {
	XMLName xml.Name `xml:"started"`
	Time    string   `xml:"time,attr"`
}

// Step is one step result, nesting any logs, reports and errors produced
// while it ran.
type Step struct {
	XMLName     xml.Name `xml:"step"`
	ID          string   `xml:"id,attr"`
	Description string   `xml:"description,attr,omitempty"`
	Time        string   `xml:"time,attr"`
	Duration    float64  `xml:"duration,attr"`
	Result      string   `xml:"result,attr"` // "success" or "failure"
	Logs        []Log    `xml:"log"`
	Reports     []Report `xml:"report"`
	Errors      []string `xml:"error"`
}

// Log is an ordered, append-only list of messages for one step.
type Log struct {
	XMLName  xml.Name `xml:"log"`
	Messages []string `xml:"message"`
}

// Report is a free-form set of item rows for one step, e.g. a test summary.
type Report struct {
	XMLName  xml.Name     `xml:"report"`
	Category string       `xml:"category,attr"`
	Items    []ReportItem `xml:"item"`
}

// ReportItem carries an arbitrary attribute set, matching the free-form
// Report.Items rows of internal/model.
type ReportItem struct {
	XMLName xml.Name   `xml:"item"`
	Attrs   []xml.Attr `xml:",any,attr"`
}

// AsMap converts a ReportItem's attributes to the plain map Report.Items
// expects.
func (it ReportItem) AsMap() map[string]string {
	m := make(map[string]string, len(it.Attrs))
	for _, a := range it.Attrs {
		m[a.Name.Local] = a.Value
	}
	return m
}

// Completed is the slave's success/failure terminal message.
type Completed struct {
	XMLName xml.Name `xml:"completed"`
	Time    string   `xml:"time,attr"`
	Result  string   `xml:"result,attr"`
}

// Aborted is the slave's (or master's) immediate cancellation message: steps
// are wiped and the build returns to PENDING.
type Aborted struct {
	XMLName xml.Name `xml:"aborted"`
	Time    string   `xml:"time,attr"`
}

// ProtocolError terminates a session outside the normal completed/aborted
// flow, e.g. on a malformed element or an out-of-sequence message.
type ProtocolError struct {
	XMLName xml.Name `xml:"error"`
	Time    string   `xml:"time,attr,omitempty"`
	Message string   `xml:",chardata"`
}

// timeLayout is the wire timestamp format: ISO-8601, UTC, no timezone
// suffix and no fractional seconds, matching the original slave/master's
// strptime("%Y-%m-%dT%H:%M:%S") handling.
const timeLayout = "2006-01-02T15:04:05"

// FormatTime renders t as the timestamp the protocol's messages carry.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a timestamp as produced by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.ParseInLocation(timeLayout, s, time.UTC)
}
