package domain

import "strings"

// Request is one parsed inbound protocol line.
type Request interface {
	// Line is the raw line to forward downstream, without the trailing newline.
	Line() string
}

// MetricRequest carries one data point for a named metric.
type MetricRequest struct {
	MetricName string
	Raw        string
}

func (r MetricRequest) Line() string {
	return r.Raw
}

// VersionRequest is any administrative line; it is forwarded as "version".
type VersionRequest struct{}

func (VersionRequest) Line() string {
	return "version"
}

// ParseRequest classifies one inbound line. Lines of the form
// "put <metric> ..." are metric requests; everything else is administrative.
func ParseRequest(line string) Request {
	fields := strings.Fields(line)
	if len(fields) >= 2 && fields[0] == "put" {
		return MetricRequest{MetricName: fields[1], Raw: line}
	}

	return VersionRequest{}
}
