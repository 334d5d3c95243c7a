// Package imageref parses and compares the canonical "registry/image:tag"
// strings used throughout the manifest, version store, and registry poller.
package imageref

import "strings"

// Ref is the immutable (registry, image, tag) triple. Equality for identity
// purposes is by (Registry, Image); Tag varies over time.
type Ref struct {
	Registry string
	Image    string
	Tag      string
}

// Key returns the identity of the reference, ignoring Tag.
func (r Ref) Key() string {
	return r.Registry + "/" + r.Image
}

// SameIdentity reports whether r and other share (Registry, Image).
func (r Ref) SameIdentity(other Ref) bool {
	return r.Registry == other.Registry && r.Image == other.Image
}

// String renders the canonical manifest form. Docker Hub images omit the
// registry host, matching how they're written in practice.
func (r Ref) String() string {
	if r.Registry == "" || r.Registry == "docker.io" {
		return r.Image + ":" + r.Tag
	}
	return r.Registry + "/" + r.Image + ":" + r.Tag
}

// Parse splits a manifest image string into its (registry, image, tag)
// parts. The tag is required — untagged references are not trackable.
// "nginx:1.24" -> {docker.io, library/nginx is NOT inferred here, nginx, 1.24}
// "reg:7420/cat-image:10.0.0" -> {reg:7420, cat-image, 10.0.0}
// "ghcr.io/user/repo:v1" -> {ghcr.io, user/repo, v1}
func Parse(ref string) (Ref, bool) {
	withoutDigest := ref
	if i := strings.Index(withoutDigest, "@"); i >= 0 {
		withoutDigest = withoutDigest[:i]
	}

	lastSlash := strings.LastIndex(withoutDigest, "/")
	lastSeg := withoutDigest
	if lastSlash >= 0 {
		lastSeg = withoutDigest[lastSlash+1:]
	}

	colon := strings.LastIndex(lastSeg, ":")
	if colon <= 0 || colon == len(lastSeg)-1 {
		return Ref{}, false
	}
	tag := lastSeg[colon+1:]

	withoutTagLen := len(withoutDigest) - len(lastSeg) + colon
	withoutTag := withoutDigest[:withoutTagLen]
	if withoutTag == "" {
		return Ref{}, false
	}

	registry, image := splitRegistry(withoutTag)
	if image == "" {
		return Ref{}, false
	}
	return Ref{Registry: registry, Image: image, Tag: tag}, true
}

// splitRegistry separates a leading registry host from the repository path.
// A first path segment counts as a registry host only if it contains a dot
// or a colon (port), or is literally "localhost" — matching how Docker
// itself disambiguates "library/nginx" from "registry.example.com/app".
func splitRegistry(ref string) (registry, image string) {
	firstSlash := strings.Index(ref, "/")
	if firstSlash < 0 {
		return "docker.io", ref
	}
	first := ref[:firstSlash]
	if strings.ContainsAny(first, ".:") || first == "localhost" {
		return first, ref[firstSlash+1:]
	}
	return "docker.io", ref
}

// MatchesTracked reports whether r belongs to the operator-configured
// tracked set, which may name entries as a bare image ("cat-image") or as
// "registry/image" ("ghcr.io/acme/cat-image").
func MatchesTracked(r Ref, tracked []string) bool {
	for _, t := range tracked {
		if t == r.Image || t == r.Key() {
			return true
		}
		// Bare image name matched by suffix, so "cat-image" also matches
		// "acme/cat-image".
		if !strings.Contains(t, "/") && strings.HasSuffix(r.Image, "/"+t) {
			return true
		}
	}
	return false
}
