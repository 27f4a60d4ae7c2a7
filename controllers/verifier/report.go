package verifier

import (
	"fmt"
	"io"
	"strings"

	"sigs.k8s.io/yaml"
)

// Output formats of a report.
const (
	FormatText = "text"
	FormatYAML = "yaml"
)

// Result is a single failure found during the verification.
type Result struct {
	Workload string `json:"workload"`
	// Container is empty for failures concerning the whole workload.
	Container string `json:"container,omitempty"`
	Check     string `json:"check"`
	Message   string `json:"message"`
}

func newResult(workloadID, container, check string, err error) Result {
	return Result{Workload: workloadID, Container: container, Check: check, Message: err.Error()}
}

// Report contains every failure of a verification run in workload order.
type Report struct {
	Workloads  int      `json:"workloads"`
	Containers int      `json:"containers"`
	Failures   []Result `json:"failures,omitempty"`
}

// HasFailures returns true if at least one check failed.
func (r *Report) HasFailures() bool {
	return len(r.Failures) > 0
}

// Write prints the report in the given format.
func (r *Report) Write(out io.Writer, format string) error {
	switch format {
	case FormatText, "":
		return r.writeText(out)
	case FormatYAML:
		return r.writeYAML(out)
	default:
		return fmt.Errorf("unknown output format %s; valid formats are %s, %s", format, FormatText, FormatYAML)
	}
}

func (r *Report) writeText(out io.Writer) error {
	builder := strings.Builder{}
	for _, failure := range r.Failures {
		target := failure.Workload
		if failure.Container != "" {
			target = target + "/" + failure.Container
		}
		builder.WriteString(fmt.Sprintf("FAIL %s [%s]\n", target, failure.Check))
		for _, line := range strings.Split(failure.Message, "\n") {
			builder.WriteString("    " + line + "\n")
		}
	}

	status := "OK"
	if r.HasFailures() {
		status = "FAILED"
	}
	builder.WriteString(fmt.Sprintf("%s: verified %d containers of %d workloads, %d failures\n",
		status, r.Containers, r.Workloads, len(r.Failures)))

	_, err := io.WriteString(out, builder.String())
	return err
}

func (r *Report) writeYAML(out io.Writer) error {
	content, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	_, err = out.Write(content)
	return err
}
