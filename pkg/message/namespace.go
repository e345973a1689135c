package message

import (
	"github.com/beevik/etree"
)

// SOAP 1.1 envelope namespace, accepted on input
const NsSOAP11Env = "http://schemas.xmlsoap.org/soap/envelope/"

// Prefixes used when composing envelopes
const (
	PrefixSOAP = "S12"
	PrefixEbMS = "eb"
)

// addPrefix moves el and its descendants from the default namespace ns to
// the given prefix and drops their default namespace declarations. Subtrees
// declaring another default namespace are left alone. WSS4J based peers such
// as Domibus expect the ebMS header elements to be prefixed.
func addPrefix(el *etree.Element, prefix, ns string) {
	if def := el.SelectAttr("xmlns"); def != nil {
		if def.Value != ns {
			return
		}
		el.RemoveAttr("xmlns")
	}
	if el.Space == "" {
		el.Space = prefix
	}
	for _, c := range el.ChildElements() {
		addPrefix(c, prefix, ns)
	}
}

func isNamespaceDecl(a etree.Attr) bool {
	return a.Space == "xmlns" || (a.Space == "" && a.Key == "xmlns")
}

// detach serializes el as a standalone document. Namespace declarations in
// scope at el are copied onto the new root so prefixes keep resolving.
func detach(el *etree.Element) ([]byte, error) {
	c := el.Copy()
	declared := make(map[string]bool)
	for _, a := range c.Attr {
		if isNamespaceDecl(a) {
			declared[a.FullKey()] = true
		}
	}
	for p := el.Parent(); p != nil; p = p.Parent() {
		for _, a := range p.Attr {
			if isNamespaceDecl(a) && !declared[a.FullKey()] {
				c.CreateAttr(a.FullKey(), a.Value)
				declared[a.FullKey()] = true
			}
		}
	}
	doc := etree.NewDocument()
	doc.SetRoot(c)
	return doc.WriteToBytes()
}

// child returns the first child element with the given local name and
// namespace URI.
func child(parent *etree.Element, local string, namespaces ...string) *etree.Element {
	if parent == nil {
		return nil
	}
	for _, c := range parent.ChildElements() {
		if c.Tag != local {
			continue
		}
		ns := c.NamespaceURI()
		for _, want := range namespaces {
			if ns == want {
				return c
			}
		}
	}
	return nil
}

// CanonicalBody returns the form of a SOAP Body child that is digested for
// signatures. Namespace declarations that the subtree does not use are
// dropped, so the body reads the same before encoding and after decoding.
func CanonicalBody(body []byte) ([]byte, error) {
	el, err := parseElement(body)
	if err != nil {
		return nil, err
	}
	used := make(map[string]bool)
	usedPrefixes(el, used)
	var keep []etree.Attr
	for _, a := range el.Attr {
		if a.Space == "xmlns" && !used[a.Key] {
			continue
		}
		keep = append(keep, a)
	}
	el.Attr = keep
	doc := etree.NewDocument()
	doc.SetRoot(el)
	return doc.WriteToBytes()
}

func usedPrefixes(el *etree.Element, used map[string]bool) {
	if el.Space != "" {
		used[el.Space] = true
	}
	for _, a := range el.Attr {
		if a.Space != "" && a.Space != "xmlns" {
			used[a.Space] = true
		}
	}
	for _, c := range el.ChildElements() {
		usedPrefixes(c, used)
	}
}
