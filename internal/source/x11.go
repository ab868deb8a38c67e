package source

import (
	"fmt"
	"image"
	"strings"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/composite"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/tatsu020/AvatarWebcam/internal/logger"
)

// X11Provider exposes named X11 windows as shared-texture senders. The window
// title is the sender name; frames are read from the server-side window pixmap
// via the Composite extension, so a sender keeps producing frames even when
// its window is obscured.
type X11Provider struct {
	conn             *xgb.Conn
	root             xproto.Window
	screen           *xproto.ScreenInfo
	compositeEnabled bool

	attached     xproto.Window
	attachedName string
}

// OpenX11 connects to the X server and initializes the Composite extension.
// It is the default source.Opener for the bridge engine.
func OpenX11() (Provider, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	p := &X11Provider{
		conn:   conn,
		root:   screen.Root,
		screen: screen,
	}

	log := logger.WithComponent("x11-source")
	if err := composite.Init(conn); err != nil {
		log.Warn().Err(err).Msg("Composite extension not available - obscured senders may stall")
		p.compositeEnabled = false
	} else {
		p.compositeEnabled = true
	}

	return p, nil
}

// List enumerates sender names (window titles) in stacking order.
func (p *X11Provider) List() ([]string, error) {
	entries, err := p.listEntries()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.name)
	}
	return names, nil
}

// Attach binds the provider to the window whose title exactly matches name.
func (p *X11Provider) Attach(name string) error {
	entries, err := p.listEntries()
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.name != name {
			continue
		}

		p.detach()
		p.attached = e.win
		p.attachedName = name

		if p.compositeEnabled {
			if err := composite.RedirectWindowChecked(p.conn, e.win, composite.RedirectAutomatic).Check(); err != nil {
				logger.WithComponent("x11-source").Warn().
					Err(err).
					Uint32("window_id", uint32(e.win)).
					Msg("Failed to redirect window, falling back to direct reads")
			}
		}
		return nil
	}

	return fmt.Errorf("%w: %q", ErrSenderNotFound, name)
}

// Size returns the attached sender's current geometry.
func (p *X11Provider) Size() (int, int) {
	if p.attached == 0 {
		return 0, 0
	}

	geom, err := xproto.GetGeometry(p.conn, xproto.Drawable(p.attached)).Reply()
	if err != nil {
		return 0, 0
	}
	return int(geom.Width), int(geom.Height)
}

// Receive pulls the latest frame of the attached sender into buf.
func (p *X11Provider) Receive(buf *image.RGBA) bool {
	if p.attached == 0 || buf == nil {
		return false
	}

	width := buf.Bounds().Dx()
	height := buf.Bounds().Dy()

	drawable := xproto.Drawable(p.attached)
	if p.compositeEnabled {
		pixmap, err := xproto.NewPixmapId(p.conn)
		if err == nil {
			if err := composite.NameWindowPixmapChecked(p.conn, p.attached, pixmap).Check(); err == nil {
				drawable = xproto.Drawable(pixmap)
				defer xproto.FreePixmap(p.conn, pixmap)
			}
		}
	}

	reply, err := xproto.GetImage(
		p.conn,
		xproto.ImageFormatZPixmap,
		drawable,
		0, 0,
		uint16(width), uint16(height),
		0xffffffff,
	).Reply()
	if err != nil {
		return false
	}

	data := reply.Data
	if len(data) < width*height*4 {
		return false
	}

	// BGRA to RGBA, row by row into the reusable buffer
	for y := 0; y < height; y++ {
		src := y * width * 4
		dst := y * buf.Stride
		for x := 0; x < width; x++ {
			buf.Pix[dst] = data[src+2]
			buf.Pix[dst+1] = data[src+1]
			buf.Pix[dst+2] = data[src]
			buf.Pix[dst+3] = 255
			src += 4
			dst += 4
		}
	}

	return true
}

// Close releases the attachment and the X connection.
func (p *X11Provider) Close() error {
	p.detach()
	p.conn.Close()
	return nil
}

func (p *X11Provider) detach() {
	if p.attached != 0 && p.compositeEnabled {
		composite.UnredirectWindow(p.conn, p.attached, composite.RedirectAutomatic)
	}
	p.attached = 0
	p.attachedName = ""
}

type windowEntry struct {
	win  xproto.Window
	name string
}

// listEntries returns named top-level windows via EWMH _NET_CLIENT_LIST,
// falling back to a QueryTree walk when the window manager does not
// maintain the client list.
func (p *X11Provider) listEntries() ([]windowEntry, error) {
	entries, err := p.listEntriesEWMH()
	if err == nil && len(entries) > 0 {
		return entries, nil
	}
	return p.listEntriesQueryTree()
}

func (p *X11Provider) listEntriesEWMH() ([]windowEntry, error) {
	clientListAtom, err := p.getAtom("_NET_CLIENT_LIST")
	if err != nil {
		return nil, fmt.Errorf("failed to get _NET_CLIENT_LIST atom: %w", err)
	}

	reply, err := xproto.GetProperty(
		p.conn,
		false,
		p.root,
		clientListAtom,
		xproto.GetPropertyTypeAny,
		0,
		(1<<32)-1,
	).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get _NET_CLIENT_LIST property: %w", err)
	}
	if reply.ValueLen == 0 {
		return nil, fmt.Errorf("_NET_CLIENT_LIST is empty")
	}

	entries := make([]windowEntry, 0, reply.ValueLen)
	for i := 0; i+4 <= len(reply.Value); i += 4 {
		win := xproto.Window(uint32(reply.Value[i]) |
			uint32(reply.Value[i+1])<<8 |
			uint32(reply.Value[i+2])<<16 |
			uint32(reply.Value[i+3])<<24)

		name := p.windowName(win)
		if name == "" {
			continue
		}
		entries = append(entries, windowEntry{win: win, name: name})
	}

	return entries, nil
}

func (p *X11Provider) listEntriesQueryTree() ([]windowEntry, error) {
	tree, err := xproto.QueryTree(p.conn, p.root).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to query window tree: %w", err)
	}

	entries := make([]windowEntry, 0, len(tree.Children))
	for _, child := range tree.Children {
		attrs, err := xproto.GetWindowAttributes(p.conn, child).Reply()
		if err != nil || attrs.MapState != xproto.MapStateViewable {
			continue
		}

		name := p.windowName(child)
		if name == "" {
			continue
		}
		entries = append(entries, windowEntry{win: child, name: name})
	}

	return entries, nil
}

// windowName reads the window title, preferring the EWMH UTF-8 property.
func (p *X11Provider) windowName(win xproto.Window) string {
	if atom, err := p.getAtom("_NET_WM_NAME"); err == nil {
		if name, err := p.getStringProperty(win, atom); err == nil && name != "" {
			return name
		}
	}
	if atom, err := p.getAtom("WM_NAME"); err == nil {
		if name, err := p.getStringProperty(win, atom); err == nil {
			return name
		}
	}
	return ""
}

func (p *X11Provider) getStringProperty(win xproto.Window, atom xproto.Atom) (string, error) {
	reply, err := xproto.GetProperty(
		p.conn,
		false,
		win,
		atom,
		xproto.GetPropertyTypeAny,
		0,
		(1<<32)-1,
	).Reply()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(reply.Value), "\x00"), nil
}

func (p *X11Provider) getAtom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(p.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}
