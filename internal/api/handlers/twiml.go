package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// OutboundCallTwiml returns the TwiML document Telco fetches once an
// outbound call is answered, pointing it at this server's outbound media
// stream WebSocket with the call's identifying parameters attached.
func (h *Handler) OutboundCallTwiml(c *gin.Context) {
	name := c.Query("name")
	number := c.Query("number")
	airtableRecordID := c.Query("airtableRecordId")
	customParams := c.Query("customParams")

	streamURL := fmt.Sprintf("wss://%s/outbound-media-stream", h.wsHost(c))

	xml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Connect>
    <Stream url="%s">
      <Parameter name="name" value="%s" />
      <Parameter name="number" value="%s" />
      <Parameter name="airtableRecordId" value="%s" />
      <Parameter name="customParams" value="%s" />
    </Stream>
  </Connect>
</Response>`, streamURL, xmlEscape(name), xmlEscape(number), xmlEscape(airtableRecordID), xmlEscape(customParams))

	c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(xml))
}

// IncomingCall returns the TwiML document for an inbound call routed to the
// receptionist agent.
func (h *Handler) IncomingCall(c *gin.Context) {
	streamURL := fmt.Sprintf("wss://%s/media-stream", h.wsHost(c))

	xml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Connect>
    <Stream url="%s" />
  </Connect>
</Response>`, streamURL)

	c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(xml))
}

func (h *Handler) wsHost(c *gin.Context) string {
	if h.cfg.PublicURL != "" {
		return trimScheme(h.cfg.PublicURL)
	}
	if h.cfg.RailwayPublicDomain != "" {
		return h.cfg.RailwayPublicDomain
	}
	return c.Request.Host
}

func trimScheme(u string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if len(u) > len(prefix) && u[:len(prefix)] == prefix {
			return u[len(prefix):]
		}
	}
	return u
}

func xmlEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '&':
			out = append(out, "&amp;"...)
		case '<':
			out = append(out, "&lt;"...)
		case '>':
			out = append(out, "&gt;"...)
		case '"':
			out = append(out, "&quot;"...)
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
