package browser

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Every script here takes its inputs as bound arguments; no caller text is
// spliced into script source.
const (
	extractAllJS = `(selector, attrs) => Array.from(document.querySelectorAll(selector)).map((el) => {
		const rec = {};
		for (const name of attrs) rec[name] = el.getAttribute(name) ?? '';
		return rec;
	})`

	extractElementsJS = `(selector, attrs, maxText) => Array.from(document.querySelectorAll(selector)).map((el) => {
		const rec = { tag: el.tagName.toLowerCase(), text: (el.innerText || '').trim().slice(0, maxText), attrs: {} };
		for (const name of attrs) {
			const v = el.getAttribute(name);
			if (v !== null) rec.attrs[name] = v;
		}
		return rec;
	})`

	linksJS = `() => Array.from(document.querySelectorAll('a[href]')).map((a) => ({
		text: (a.innerText || '').trim(),
		href: a.href,
	}))`

	formFieldsJS = `() => Array.from(document.querySelectorAll('input, select, textarea')).map((el) => {
		let label = '';
		if (el.id) {
			const byFor = Array.from(document.querySelectorAll('label')).find((l) => l.htmlFor === el.id);
			if (byFor) label = (byFor.innerText || '').trim();
		}
		if (!label && el.closest('label')) label = (el.closest('label').innerText || '').trim();
		return {
			tag: el.tagName.toLowerCase(),
			type: el.type || '',
			name: el.name || '',
			id: el.id || '',
			value: el.value || '',
			placeholder: el.placeholder || '',
			label: label,
		};
	})`

	fillFormJS = `(fields) => {
		const skipped = [];
		let last = null;
		for (const f of fields) {
			let el = null;
			try { el = document.querySelector(f.selector); } catch (e) { el = null; }
			if (!el) { skipped.push(f.selector); continue; }
			const proto = el instanceof HTMLTextAreaElement ? HTMLTextAreaElement.prototype
				: el instanceof HTMLSelectElement ? HTMLSelectElement.prototype
				: el instanceof HTMLInputElement ? HTMLInputElement.prototype : null;
			const desc = proto && Object.getOwnPropertyDescriptor(proto, 'value');
			if (typeof el.focus === 'function') el.focus();
			if (desc && desc.set) desc.set.call(el, f.value); else el.value = f.value;
			el.dispatchEvent(new Event('input', { bubbles: true }));
			el.dispatchEvent(new Event('change', { bubbles: true }));
			last = el;
		}
		if (last && typeof last.blur === 'function') last.blur();
		return skipped;
	}`
)

// MaxElementText bounds ElementRecord.Text.
const MaxElementText = 500

// Link is one anchor with an href, in document order.
type Link struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

// FormField describes one input, select or textarea. Absent values are "".
type FormField struct {
	Tag         string `json:"tag"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	ID          string `json:"id"`
	Value       string `json:"value"`
	Placeholder string `json:"placeholder"`
	Label       string `json:"label"`
}

// Field is one (selector, value) pair for FillForm.
type Field struct {
	Selector string `json:"selector"`
	Value    string `json:"value"`
}

// ElementRecord is one match of ExtractElements. Attrs holds only the
// requested attributes the node actually carries.
type ElementRecord struct {
	Tag   string            `json:"tag"`
	Text  string            `json:"text"`
	Attrs map[string]string `json:"attrs"`
}

// ExtractAll returns one record per match of selector in document order.
// Each record has every requested attribute; absent ones are "". It costs
// one round trip however many nodes match.
func (p *Page) ExtractAll(ctx context.Context, selector string, attrs []string) ([]map[string]string, error) {
	if attrs == nil {
		attrs = []string{}
	}
	var out []map[string]string
	if err := p.evalInto(ctx, "extract all", selector, &out, extractAllJS, selector, attrs); err != nil {
		return nil, err
	}
	if out == nil {
		out = []map[string]string{}
	}
	return out, nil
}

// ExtractElements is ExtractAll plus each node's tag and trimmed text.
func (p *Page) ExtractElements(ctx context.Context, selector string, attrs []string) ([]ElementRecord, error) {
	if attrs == nil {
		attrs = []string{}
	}
	var out []ElementRecord
	if err := p.evalInto(ctx, "extract elements", selector, &out, extractElementsJS, selector, attrs, MaxElementText); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Attrs == nil {
			out[i].Attrs = map[string]string{}
		}
	}
	if out == nil {
		out = []ElementRecord{}
	}
	return out, nil
}

// GetLinks returns every anchor with an href, in document order. Href is
// the resolved absolute URL.
func (p *Page) GetLinks(ctx context.Context) ([]Link, error) {
	var out []Link
	if err := p.evalInto(ctx, "get links", "", &out, linksJS); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Link{}
	}
	return out, nil
}

// GetFormFields describes every input, select and textarea in document
// order, with the text of the label bound by for= or by nesting.
func (p *Page) GetFormFields(ctx context.Context) ([]FormField, error) {
	var out []FormField
	if err := p.evalInto(ctx, "get form fields", "", &out, formFieldsJS); err != nil {
		return nil, err
	}
	if out == nil {
		out = []FormField{}
	}
	return out, nil
}

// FillForm sets every field in one script evaluation, firing input and
// change on each and blurring the last one. A selector that matches
// nothing, or does not parse, is skipped rather than failing the batch;
// the skipped selectors are returned in order. Use FindElements first when
// the fill must be all or nothing.
func (p *Page) FillForm(ctx context.Context, fields []Field) ([]string, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	var skipped []string
	if err := p.evalInto(ctx, "fill form", selectors(fields), &skipped, fillFormJS, fields); err != nil {
		return nil, err
	}
	if len(skipped) > 0 {
		p.logger.Debug("fill form skipped fields", zap.Strings("selectors", skipped))
	}
	return skipped, nil
}

func selectors(fields []Field) string {
	s := make([]string, len(fields))
	for i, f := range fields {
		s[i] = f.Selector
	}
	return strings.Join(s, ", ")
}

// evalInto evaluates fn with args and decodes the result into out. Any
// failure is ErrJS.
func (p *Page) evalInto(ctx context.Context, op, subject string, out any, fn string, args ...any) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	v, err := p.tab.Evaluate(ctx, fn, args...)
	if err != nil {
		return newError(ErrJS, op, subject, err)
	}
	if err := decode(v, out); err != nil {
		return &Error{Kind: ErrJS, Op: op, Subject: subject, Err: err}
	}
	return nil
}
