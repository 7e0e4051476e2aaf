// Package settings resolves which WeBWorK server a problem talks to.
//
// Course-wide server records live in CourseSettings; each problem either points
// at one of them by id or carries its own manual server fields (Selection).
// Resolution runs at the start of every request and yields an immutable Server.
package settings

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mind-engage/mindengage-webwork/internal/renderer"
)

// AuthData are the html2xml course credentials. They are never copied into
// student state or submission records.
type AuthData struct {
	Course   string `json:"ww_course"`
	Username string `json:"ww_username"`
	Password string `json:"ww_password"`
}

// ServerRecord is one entry of a course's server_settings map.
type ServerRecord struct {
	ServerType     string   `json:"server_type"`
	APIURL         string   `json:"server_api_url"`
	StaticFilesURL string   `json:"server_static_files_url,omitempty"`
	AuthData       AuthData `json:"auth_data"`
}

// GracePeriod is the course grading grace period.
type GracePeriod struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
	Seconds int `json:"seconds"`
}

func (g GracePeriod) Duration() (time.Duration, error) {
	if g.Hours < 0 || g.Minutes < 0 || g.Seconds < 0 {
		return 0, fmt.Errorf("negative grace period %+v", g)
	}
	return time.Duration(g.Hours)*time.Hour + time.Duration(g.Minutes)*time.Minute + time.Duration(g.Seconds)*time.Second, nil
}

type CourseSettings struct {
	CourseID      string                  `json:"course_id"`
	DefaultServer string                  `json:"default_server,omitempty"`
	PSVNShift     int                     `json:"psvn_shift"`
	GracePeriod   *GracePeriod            `json:"grace_period,omitempty"`
	Servers       map[string]ServerRecord `json:"server_settings"`
	LineItemsURL  string                  `json:"ags_lineitems_url,omitempty"` // AGS container grades are posted to
}

// Grace returns the course grace period, zero when none is configured.
func (c CourseSettings) Grace() (time.Duration, error) {
	if c.GracePeriod == nil {
		return 0, nil
	}
	return c.GracePeriod.Duration()
}

// ServerIDOptions lists the configured server ids, the course default first.
func (c CourseSettings) ServerIDOptions() []string {
	out := []string{}
	if c.DefaultServer != "" {
		out = append(out, c.DefaultServer)
	}
	ids := make([]string, 0, len(c.Servers))
	for id := range c.Servers {
		if id != c.DefaultServer {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return append(out, ids...)
}

// Validate checks every server record of the course.
func (c CourseSettings) Validate() error {
	if strings.TrimSpace(c.CourseID) == "" {
		return fmt.Errorf("course_id required")
	}
	if c.DefaultServer != "" {
		if _, ok := c.Servers[c.DefaultServer]; !ok {
			return fmt.Errorf("default_server %q not in server_settings", c.DefaultServer)
		}
	}
	for id, rec := range c.Servers {
		if _, err := renderer.ParseKind(rec.ServerType); err != nil {
			return fmt.Errorf("server %q: %w", id, err)
		}
		if rec.APIURL == "" {
			return fmt.Errorf("server %q: server_api_url required", id)
		}
	}
	if _, err := c.Grace(); err != nil {
		return err
	}
	return nil
}

// SelectionType says where a problem takes its server from.
type SelectionType int

const (
	SelectCourse SelectionType = 1 // a server id from CourseSettings
	SelectManual SelectionType = 2 // the Selection's own fields
)

// Selection is the server part of a problem instance.
type Selection struct {
	Type           SelectionType `json:"settings_type"`
	ServerID       string        `json:"ww_server_id,omitempty"`
	ServerType     string        `json:"ww_server_type,omitempty"`
	APIURL         string        `json:"ww_server_api_url,omitempty"`
	StaticFilesURL string        `json:"ww_server_static_files_url,omitempty"`
	AuthData       AuthData      `json:"auth_data"`
}

// Server is the resolved endpoint for one request.
type Server struct {
	ID             string
	Kind           renderer.Kind
	APIURL         string
	StaticFilesURL string
	Credentials    renderer.Credentials
}

// Public is the part of the server safe to store alongside student data.
func (s Server) Public() map[string]string {
	out := map[string]string{
		"server_type":    s.Kind.String(),
		"server_api_url": s.APIURL,
	}
	if s.ID != "" {
		out["ww_server_id"] = s.ID
	}
	if s.StaticFilesURL != "" {
		out["server_static_files_url"] = s.StaticFilesURL
	}
	return out
}

// ConfigurationError means no usable server could be resolved for a problem.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return "webwork server unavailable: " + e.Reason }

func configErr(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// Resolve picks the server for sel out of course.
func Resolve(course CourseSettings, sel Selection) (Server, error) {
	var (
		id  string
		rec ServerRecord
	)
	switch sel.Type {
	case SelectCourse:
		id = sel.ServerID
		if id == "" {
			id = course.DefaultServer
		}
		if id == "" {
			return Server{}, configErr("no server selected and course %q has no default server", course.CourseID)
		}
		var ok bool
		if rec, ok = course.Servers[id]; !ok {
			return Server{}, configErr("server %q not configured for course %q", id, course.CourseID)
		}
	case SelectManual:
		rec = ServerRecord{
			ServerType:     sel.ServerType,
			APIURL:         sel.APIURL,
			StaticFilesURL: sel.StaticFilesURL,
			AuthData:       sel.AuthData,
		}
	default:
		return Server{}, configErr("unknown settings_type %d", sel.Type)
	}

	kind, err := renderer.ParseKind(rec.ServerType)
	if err != nil {
		return Server{}, configErr("%v", err)
	}
	if strings.TrimSpace(rec.APIURL) == "" {
		return Server{}, configErr("server_api_url missing")
	}
	srv := Server{
		ID:             id,
		Kind:           kind,
		APIURL:         rec.APIURL,
		StaticFilesURL: rec.StaticFilesURL,
	}
	if kind == renderer.KindLegacy {
		a := rec.AuthData
		if a.Course == "" || a.Username == "" {
			return Server{}, configErr("html2xml server requires ww_course and ww_username")
		}
		srv.Credentials = renderer.Credentials{Course: a.Course, User: a.Username, Password: a.Password}
	}
	return srv, nil
}
