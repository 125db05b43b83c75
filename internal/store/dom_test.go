package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robman/flo.monster-sub000/pkg/models"
)

func TestDOMRestoreCapture(t *testing.T) {
	d := NewDOMContainer()
	snap := &models.DOMState{
		BodyHTML:  `<div id="app" class="main"><p>hello</p></div>`,
		BodyAttrs: map[string]string{"data-theme": "dark"},
		HeadHTML:  `<title>agent</title>`,
		HTMLAttrs: map[string]string{"lang": "en"},
		RegisteredListeners: []models.RegisteredListener{
			{Selector: "#app", Events: []string{"click"}, TargetWorkerID: "w1"},
		},
		CapturedAt: time.Unix(1700000000, 0),
	}
	require.NoError(t, d.Restore(snap))

	out := d.Capture()
	assert.Equal(t, snap.BodyHTML, out.BodyHTML)
	assert.Equal(t, snap.BodyAttrs, out.BodyAttrs)
	assert.Equal(t, snap.HeadHTML, out.HeadHTML)
	assert.Equal(t, snap.HTMLAttrs, out.HTMLAttrs)
	assert.Equal(t, snap.RegisteredListeners, out.RegisteredListeners)
	assert.Equal(t, snap.CapturedAt, out.CapturedAt)
}

func TestDOMCreateAndQuery(t *testing.T) {
	d := NewDOMContainer()
	require.NoError(t, d.Create(`<div id="panel"></div>`, ""))
	require.NoError(t, d.Create(`<span class="item">a</span><span class="item">b</span>`, "#panel"))

	items, err := d.Query(".item")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	panels, err := d.Query("div#panel")
	require.NoError(t, err)
	require.Len(t, panels, 1)
	assert.Contains(t, panels[0], `<span class="item">a</span>`)
}

func TestDOMCreateUnknownParent(t *testing.T) {
	d := NewDOMContainer()
	assert.ErrorIs(t, d.Create("<p>x</p>", "#missing"), ErrSelectorNoMatch)
}

func TestDOMModify(t *testing.T) {
	d := NewDOMContainer()
	require.NoError(t, d.Create(`<div id="status" class="old">pending</div>`, ""))

	newClass := "done"
	text := "complete"
	require.NoError(t, d.Modify("#status", ModifySpec{
		Attributes:  map[string]*string{"class": &newClass, "data-x": &text},
		TextContent: &text,
	}))

	out, err := d.Query("#status")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Contains(t, out[0], `class="done"`)
	assert.Contains(t, out[0], ">complete<")

	// nil attribute value removes the attribute
	require.NoError(t, d.Modify("#status", ModifySpec{
		Attributes: map[string]*string{"data-x": nil},
	}))
	out, _ = d.Query("#status")
	assert.NotContains(t, out[0], "data-x")
}

func TestDOMModifyInnerHTML(t *testing.T) {
	d := NewDOMContainer()
	require.NoError(t, d.Create(`<div id="box">old</div>`, ""))
	inner := `<b>new</b>`
	require.NoError(t, d.Modify("#box", ModifySpec{InnerHTML: &inner}))
	out, _ := d.Query("#box")
	require.Len(t, out, 1)
	assert.Equal(t, `<div id="box"><b>new</b></div>`, out[0])
}

func TestDOMRemove(t *testing.T) {
	d := NewDOMContainer()
	require.NoError(t, d.Create(`<p class="tmp">1</p><p class="tmp">2</p><p>keep</p>`, ""))
	n, err := d.Remove(".tmp")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	left, _ := d.Query("p")
	assert.Len(t, left, 1)
}

func TestDOMBadSelector(t *testing.T) {
	d := NewDOMContainer()
	_, err := d.Query("div > span")
	assert.ErrorIs(t, err, ErrBadSelector)
	_, err = d.Query("")
	assert.ErrorIs(t, err, ErrBadSelector)
}
