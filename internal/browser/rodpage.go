package browser

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/jmylchreest/acquire/internal/cookies"
)

type rodPage struct {
	page     *rod.Page
	viewport Viewport
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return err
	}
	return page.WaitLoad()
}

func (p *rodPage) Reload(ctx context.Context) error {
	page := p.page.Context(ctx)
	if err := page.Reload(); err != nil {
		return err
	}
	return page.WaitLoad()
}

func (p *rodPage) Title(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

func (p *rodPage) Element(ctx context.Context, selector string) (Element, error) {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrElementNotFound
		}
		return nil, err
	}
	return &rodElement{el: el}, nil
}

func (p *rodPage) Eval(ctx context.Context, js string, args ...any) (string, error) {
	res, err := p.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return "", err
	}
	if res == nil || res.Value.Nil() {
		return "", nil
	}
	return res.Value.String(), nil
}

func (p *rodPage) Viewport() (int, int) {
	return p.viewport.Width, p.viewport.Height
}

func (p *rodPage) MoveMouse(ctx context.Context, x, y float64) error {
	return p.page.Context(ctx).Mouse.MoveLinear(proto.Point{X: x, Y: y}, 10)
}

func (p *rodPage) MouseDown(ctx context.Context) error {
	return p.page.Context(ctx).Mouse.Down(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) MouseUp(ctx context.Context) error {
	return p.page.Context(ctx).Mouse.Up(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) Scroll(ctx context.Context, dy float64) error {
	return p.page.Context(ctx).Mouse.Scroll(0, dy, 5)
}

var keys = map[Key]input.Key{
	KeyArrowDown: input.ArrowDown,
	KeyTab:       input.Tab,
	KeyEnter:     input.Enter,
}

func (p *rodPage) Press(ctx context.Context, key Key) error {
	k, ok := keys[key]
	if !ok {
		return errors.New("unsupported key")
	}
	return p.page.Context(ctx).Keyboard.Type(k)
}

func (p *rodPage) Cookies(ctx context.Context) ([]cookies.Cookie, error) {
	raw, err := p.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, err
	}
	return fromProtoCookies(raw), nil
}

func (p *rodPage) SetCookies(ctx context.Context, cs []cookies.Cookie) error {
	if len(cs) == 0 {
		return nil
	}
	return p.page.Context(ctx).SetCookies(toProtoCookies(cs))
}

func toProtoCookies(cs []cookies.Cookie) []*proto.NetworkCookieParam {
	params := make([]*proto.NetworkCookieParam, 0, len(cs))
	for _, c := range cs {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if !c.Expires.IsZero() {
			param.Expires = proto.TimeSinceEpoch(float64(c.Expires.UnixNano()) / float64(time.Second))
		}
		switch strings.ToLower(c.SameSite) {
		case "strict":
			param.SameSite = proto.NetworkCookieSameSiteStrict
		case "lax":
			param.SameSite = proto.NetworkCookieSameSiteLax
		case "none":
			param.SameSite = proto.NetworkCookieSameSiteNone
		}
		params = append(params, param)
	}
	return params
}

func fromProtoCookies(raw []*proto.NetworkCookie) []cookies.Cookie {
	out := make([]cookies.Cookie, 0, len(raw))
	for _, c := range raw {
		cookie := cookies.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		// session cookies report -1
		if !c.Session && c.Expires > 0 {
			cookie.Expires = time.Unix(0, int64(float64(c.Expires)*float64(time.Second))).UTC()
		}
		switch c.SameSite {
		case proto.NetworkCookieSameSiteStrict:
			cookie.SameSite = "Strict"
		case proto.NetworkCookieSameSiteLax:
			cookie.SameSite = "Lax"
		case proto.NetworkCookieSameSiteNone:
			cookie.SameSite = "None"
		}
		out = append(out, cookie)
	}
	return out
}

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Text(ctx context.Context) (string, error) {
	return e.el.Context(ctx).Text()
}

func (e *rodElement) Attribute(ctx context.Context, name string) (string, bool, error) {
	v, err := e.el.Context(ctx).Attribute(name)
	if err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (e *rodElement) Visible(ctx context.Context) (bool, error) {
	return e.el.Context(ctx).Visible()
}

func (e *rodElement) Size(ctx context.Context) (float64, float64, error) {
	res, err := e.el.Context(ctx).Eval(`() => {
		const r = this.getBoundingClientRect();
		return { w: r.width, h: r.height };
	}`)
	if err != nil {
		return 0, 0, err
	}
	return res.Value.Get("w").Num(), res.Value.Get("h").Num(), nil
}

func (e *rodElement) Click(ctx context.Context) error {
	return e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
}
