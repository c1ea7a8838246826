// Package protocol renders check-in requests to the Omaha v3 XML wire
// format and parses server responses into typed results. Everything here is
// a pure function of its inputs; no I/O, no clock.
package protocol

import (
	"encoding/xml"
	"runtime"
	"time"

	"golang.org/x/xerrors"
)

// InstallAgeInstallEvent is the installage sentinel reported on install
// events, where the real age is by definition zero-ish and the server keys
// off the event instead.
const InstallAgeInstallEvent = -1

// Request is one logical outstanding check-in. The id is stable across
// retries of the same logical request and regenerated only when a brand-new
// request is created.
type Request struct {
	ID             string
	Creation       time.Time
	IsInstallEvent bool
	InstallSource  string
}

// InstallAgeDays returns the whole days elapsed between the install
// timestamp and now, or the install-event sentinel when the request is the
// install event itself.
func InstallAgeDays(req Request, now, installed time.Time) int {
	if req.IsInstallEvent {
		return InstallAgeInstallEvent
	}
	if installed.IsZero() || now.Before(installed) {
		return 0
	}
	return int(now.Sub(installed) / (24 * time.Hour))
}

// Generator renders Requests for a single application to the wire payload.
type Generator struct {
	// AppID identifies the application in the <app> entry.
	AppID string
	// Updater and UpdaterVersion identify the client performing the
	// check-in on the <request> element.
	Updater        string
	UpdaterVersion string
}

type xmlRequest struct {
	XMLName        xml.Name `xml:"request"`
	Protocol       string   `xml:"protocol,attr"`
	Updater        string   `xml:"updater,attr,omitempty"`
	UpdaterVersion string   `xml:"updaterversion,attr,omitempty"`
	RequestID      string   `xml:"requestid,attr"`
	SessionID      string   `xml:"sessionid,attr"`
	InstallSource  string   `xml:"installsource,attr,omitempty"`
	OS             xmlOS    `xml:"os"`
	App            xmlApp   `xml:"app"`
}

type xmlOS struct {
	Platform string `xml:"platform,attr"`
	Arch     string `xml:"arch,attr"`
}

type xmlApp struct {
	AppID       string          `xml:"appid,attr"`
	Version     string          `xml:"version,attr"`
	InstallAge  int             `xml:"installage,attr"`
	Event       *xmlEvent       `xml:"event"`
	UpdateCheck *xmlUpdateCheck `xml:"updatecheck"`
	Ping        *xmlPing        `xml:"ping"`
}

type xmlEvent struct {
	EventType   int `xml:"eventtype,attr"`
	EventResult int `xml:"eventresult,attr"`
}

type xmlUpdateCheck struct{}

type xmlPing struct {
	Active int `xml:"active,attr"`
}

// Render produces the XML payload for one POST attempt. It is
// deterministic given identical inputs; sessionID is the only input
// expected to differ between retries of the same logical request.
func (g Generator) Render(req Request, currentVersion string, installAgeDays int, sessionID string) ([]byte, error) {
	doc := xmlRequest{
		Protocol:       "3.0",
		Updater:        g.Updater,
		UpdaterVersion: g.UpdaterVersion,
		RequestID:      req.ID,
		SessionID:      sessionID,
		InstallSource:  req.InstallSource,
		OS: xmlOS{
			Platform: runtime.GOOS,
			Arch:     runtime.GOARCH,
		},
		App: xmlApp{
			AppID:      g.AppID,
			Version:    currentVersion,
			InstallAge: installAgeDays,
		},
	}
	if req.IsInstallEvent {
		// Install pings report the install event; the routine
		// updatecheck follows in the next logical request.
		doc.App.Event = &xmlEvent{EventType: 2, EventResult: 1}
	} else {
		doc.App.UpdateCheck = &xmlUpdateCheck{}
		doc.App.Ping = &xmlPing{Active: 1}
	}

	raw, err := xml.Marshal(doc)
	if err != nil {
		return nil, xerrors.Errorf("marshal request: %w", err)
	}
	return append([]byte(xml.Header), raw...), nil
}
