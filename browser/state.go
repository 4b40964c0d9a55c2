package browser

import (
	"strings"

	"github.com/go-rod/rod/lib/proto"

	"github.com/kervalen/stallkeep/session"
)

// Cookie and OriginState alias the session package's shapes so conversions
// read naturally on both sides of the boundary.
type (
	Cookie      = session.Cookie
	OriginState = session.OriginState
)

// cookieParams converts stored cookies to the CDP parameter shape used
// when installing them into a browser context.
func cookieParams(cookies []Cookie) []*proto.NetworkCookieParam {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: sameSiteParam(c.SameSite),
		}
		if c.Expires > 0 {
			p.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		params = append(params, p)
	}
	return params
}

// fromNetworkCookies converts a live cookie jar to the stored shape.
func fromNetworkCookies(cookies []*proto.NetworkCookie) []Cookie {
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		cookie := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		}
		// Session cookies report a negative epoch; store those as 0.
		if c.Expires > 0 {
			cookie.Expires = float64(c.Expires)
		}
		out = append(out, cookie)
	}
	return out
}

func sameSiteParam(s string) proto.NetworkCookieSameSite {
	switch strings.ToLower(s) {
	case "strict":
		return proto.NetworkCookieSameSiteStrict
	case "lax":
		return proto.NetworkCookieSameSiteLax
	case "none":
		return proto.NetworkCookieSameSiteNone
	}
	return ""
}
