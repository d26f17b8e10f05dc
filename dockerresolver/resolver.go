// Copyright 2021 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dockerresolver turns the container runtime's JSON container and
// image manifests into a normalised container.Descriptor. It is the
// biggest single piece of the metadata-resolution core: identity, image
// split, an optional image-info sub-fetch, a bounded chase of containers
// sharing another container's network namespace, ports, mounts, resource
// fields and health-probe extraction all live here.
package dockerresolver

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/mLavacca/sysdig/container"
	"github.com/mLavacca/sysdig/dockerapi"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fastjson"
)

// maxNetworkModeChaseDepth bounds the NetworkMode=container:<id> recursion
// so a pathological or cyclic chain of containers can never hang the
// resolver's worker goroutine.
const maxNetworkModeChaseDepth = 4

// Resolver fetches and normalises container metadata from a runtime HTTP
// API reachable through a dockerapi.Client.
type Resolver struct {
	client *dockerapi.Client
	log    logrus.FieldLogger

	queryImageInfo int32 // atomic bool; see SetQueryImageInfo.
}

// Option configures a Resolver at construction time.
type Option func(*Resolver)

// WithLogger attaches a structured logger; by default a Resolver logs
// through logrus's standard logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Resolver) { r.log = log }
}

// New returns a Resolver that issues requests through client. Image-info
// querying is enabled by default, matching the reference resolver's own
// default; callers can opt out via SetQueryImageInfo(false) or WithLogger's
// sibling WithQueryImageInfo(false).
func New(client *dockerapi.Client, opts ...Option) *Resolver {
	r := &Resolver{client: client, log: logrus.StandardLogger(), queryImageInfo: 1}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithQueryImageInfo overrides the default (enabled) image-info sub-fetch
// at construction time.
func WithQueryImageInfo(enabled bool) Option {
	return func(r *Resolver) { r.SetQueryImageInfo(enabled) }
}

// SetQueryImageInfo toggles the secondary "/images/<id>/json" sub-fetch. It
// is a plain atomic flag rather than a package-level global, so it can be
// flipped independently per Resolver instance in tests.
func (r *Resolver) SetQueryImageInfo(enabled bool) {
	v := int32(0)
	if enabled {
		v = 1
	}
	atomic.StoreInt32(&r.queryImageInfo, v)
}

func (r *Resolver) queryingImageInfo() bool {
	return atomic.LoadInt32(&r.queryImageInfo) != 0
}

// Resolve fetches and normalises the metadata for a single container id.
// The returned bool reports whether the resolution was successful; an
// unsuccessful result still returns a best-effort Descriptor (typically
// still a stub) so that the caller can store it and let other engines
// attempt resolution.
func (r *Resolver) Resolve(ctx context.Context, id string) (*container.Descriptor, bool) {
	return r.resolve(ctx, id, make(map[string]bool), 0)
}

func (r *Resolver) resolve(ctx context.Context, id string, visited map[string]bool, depth int) (*container.Descriptor, bool) {
	d := container.NewStub(id, id)
	if depth > maxNetworkModeChaseDepth || visited[id] {
		r.log.WithField("id", id).Warn("dockerresolver: NetworkMode chase depth exceeded or cycle detected")
		return d, false
	}
	visited[id] = true

	body, ok := r.fetchJSON(ctx, fmt.Sprintf("/containers/%s/json", id))
	if !ok {
		return d, false
	}

	var p fastjson.Parser
	root, err := p.Parse(body)
	if err != nil {
		r.log.WithField("id", id).WithError(classifyParseError(err)).Warn("dockerresolver: malformed container JSON")
		return d, false
	}

	d.Name = stripLeadingSlash(string(root.GetStringBytes("Name")))
	d.IsPodSandbox = strings.HasPrefix(d.Name, "k8s_POD")

	r.resolveImage(ctx, d, root)
	r.resolveNetwork(ctx, d, root, visited, depth)
	resolvePorts(d, root)
	resolveLabelsEnv(d, root)
	resolveResources(d, root)
	resolveMounts(d, root)
	d.HealthProbes = extractProbes(d.Labels, root.Get("Config", "Healthcheck", "Test"), r.log)

	d.MetadataComplete = true
	return d, true
}

// fetchJSON issues a GET against path, transparently retrying once with the
// API-version prefix cleared on a RespBadRequest.
func (r *Resolver) fetchJSON(ctx context.Context, path string) (string, bool) {
	status, body, err := r.client.Get(ctx, path)
	if status == dockerapi.RespBadRequest {
		r.client.ClearAPIVersion()
		status, body, err = r.client.Get(ctx, path)
	}
	if status != dockerapi.RespOK {
		r.log.WithFields(logrus.Fields{"path": path, "status": status}).
			WithError(err).Debug("dockerresolver: request unsuccessful")
		return "", false
	}
	return body, true
}

func stripLeadingSlash(name string) string {
	return strings.TrimPrefix(name, "/")
}

// resolveImage works out image identity, the image-is-id short circuit,
// the hostname/repo/tag/digest split, and the optional image-info
// sub-fetch.
func (r *Resolver) resolveImage(ctx context.Context, d *container.Descriptor, root *fastjson.Value) {
	image := string(root.GetStringBytes("Config", "Image"))
	rootImage := string(root.GetStringBytes("Image"))
	d.Image = image

	imageID := rootImage
	if colon := strings.Index(rootImage, ":"); colon >= 0 {
		imageID = rootImage[colon+1:]
	}
	d.ImageID = imageID

	imageIsID := image != "" && (strings.HasPrefix(imageID, image) || strings.HasPrefix(rootImage, image))
	queryImageInfo := r.queryingImageInfo()

	// Drop the stub's Incomplete sentinel so that the image-info walk and
	// the "latest" default below see an empty field when nothing was split.
	d.ImageRepo, d.ImageTag, d.ImageDigest = "", "", ""

	if !imageIsID || !queryImageInfo {
		_, _, repo, tag, digest := splitImageRef(image)
		d.ImageRepo = repo
		d.ImageTag = tag
		d.ImageDigest = digest
	}

	needImageInfo := queryImageInfo && imageID != "" &&
		(imageIsID || d.ImageDigest == "" || (d.ImageDigest != "" && d.ImageTag == ""))
	if needImageInfo {
		r.resolveImageInfo(ctx, d, imageID)
	}

	if d.ImageTag == "" {
		d.ImageTag = "latest"
	}
}

// resolveImageInfo issues the secondary "/images/<id>/json?digests=1" fetch
// and walks its RepoDigests/RepoTags.
func (r *Resolver) resolveImageInfo(ctx context.Context, d *container.Descriptor, imageID string) {
	body, ok := r.fetchJSON(ctx, fmt.Sprintf("/images/%s/json?digests=1", imageID))
	if !ok {
		return
	}
	var p fastjson.Parser
	info, err := p.Parse(body)
	if err != nil {
		r.log.WithField("image_id", imageID).WithError(err).Warn("dockerresolver: malformed image-info JSON")
		return
	}

	digests := map[string]bool{}
	for _, entry := range info.GetArray("RepoDigests") {
		name, digest, ok := strings.Cut(string(entry.GetStringBytes()), "@")
		if !ok {
			continue
		}
		digests[digest] = true
		if name == d.ImageRepo || d.ImageRepo == "" {
			if d.ImageRepo == "" {
				d.ImageRepo = name
			}
			if name == d.ImageRepo {
				d.ImageDigest = digest
				break
			}
		}
	}
	if d.ImageDigest == "" && len(digests) == 1 {
		for digest := range digests {
			d.ImageDigest = digest
		}
	}

	for _, entry := range info.GetArray("RepoTags") {
		name, tag, ok := cutLastColon(string(entry.GetStringBytes()))
		if !ok {
			continue
		}
		if name == d.ImageRepo {
			d.ImageTag = tag
			break
		}
	}
}

// cutLastColon splits a "repo:tag" RepoTags entry on its LAST colon, not
// its first: a registry host carrying its own port (e.g.
// "registry.example.com:5000/myrepo:v1") would otherwise have its port
// mistaken for the tag separator.
func cutLastColon(s string) (name, tag string, ok bool) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// resolveNetwork handles the direct IPAddress case and the bounded
// NetworkMode=container:<id> chase.
func (r *Resolver) resolveNetwork(ctx context.Context, d *container.Descriptor, root *fastjson.Value, visited map[string]bool, depth int) {
	ipStr := string(root.GetStringBytes("NetworkSettings", "IPAddress"))
	if ip := parseIPv4HostOrder(ipStr); ip != 0 {
		d.ContainerIP = ip
		return
	}

	netMode := string(root.GetStringBytes("HostConfig", "NetworkMode"))
	otherID, ok := strings.CutPrefix(netMode, "container:")
	if !ok || otherID == "" {
		return
	}
	other, ok := r.resolve(ctx, otherID, visited, depth+1)
	if ok {
		d.ContainerIP = other.ContainerIP
	}
}

// parseIPv4HostOrder parses a dotted-quad IPv4 address into a 32-bit
// host-byte-order integer, or 0 if s does not parse as IPv4.
func parseIPv4HostOrder(s string) uint32 {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

// resolvePorts ingests only "/tcp" port bindings.
func resolvePorts(d *container.Descriptor, root *fastjson.Value) {
	ports := root.GetObject("NetworkSettings", "Ports")
	if ports == nil {
		return
	}
	ports.Visit(func(key []byte, bindings *fastjson.Value) {
		portSpec := string(key)
		numeric, proto, ok := strings.Cut(portSpec, "/")
		if !ok || proto != "tcp" {
			return
		}
		containerPort, err := strconv.ParseUint(numeric, 10, 16)
		if err != nil {
			return
		}
		arr, _ := bindings.Array()
		for _, b := range arr {
			hostIP := parseIPv4HostOrder(string(b.GetStringBytes("HostIp")))
			hostPort, _ := strconv.ParseUint(string(b.GetStringBytes("HostPort")), 10, 16)
			d.PortMappings = append(d.PortMappings, container.PortMapping{
				HostIP:        hostIP,
				HostPort:      uint16(hostPort),
				ContainerPort: uint16(containerPort),
			})
		}
	})
}

// resolveLabelsEnv copies labels and environment variables verbatim.
func resolveLabelsEnv(d *container.Descriptor, root *fastjson.Value) {
	labels := map[string]string{}
	if obj := root.GetObject("Config", "Labels"); obj != nil {
		obj.Visit(func(key []byte, v *fastjson.Value) {
			labels[string(key)] = string(v.GetStringBytes())
		})
	}
	d.Labels = labels

	for _, v := range root.GetArray("Config", "Env") {
		d.Env = append(d.Env, string(v.GetStringBytes()))
	}
}

// resolveResources extracts the HostConfig resource-limit fields.
func resolveResources(d *container.Descriptor, root *fastjson.Value) {
	hc := root.Get("HostConfig")
	if hc == nil {
		return
	}
	d.MemoryLimit = hc.GetInt64("Memory")
	d.SwapLimit = hc.GetInt64("MemorySwap")
	d.CPUQuota = hc.GetInt64("CpuQuota")

	if shares := hc.GetInt64("CpuShares"); shares > 0 {
		d.CPUShares = shares
	}
	if period := hc.GetInt64("CpuPeriod"); period > 0 {
		d.CPUPeriod = period
	}

	if priv := hc.Get("Privileged"); priv != nil {
		if b, err := priv.Bool(); err == nil {
			d.Privileged = &b
		}
	}

	d.CPUSetCPUCount = countCPUSet(string(hc.GetStringBytes("CpusetCpus")))
}

// countCPUSet counts the CPUs named by a comma-separated cpuset list of
// integers or "a-b" ranges. An empty string or any parse failure yields 0.
func countCPUSet(spec string) int32 {
	if spec == "" {
		return 0
	}
	var count int32
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return 0
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err1 := strconv.Atoi(lo)
			hiN, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil || hiN < loN {
				return 0
			}
			count += int32(hiN - loN + 1)
			continue
		}
		if _, err := strconv.Atoi(part); err != nil {
			return 0
		}
		count++
	}
	return count
}

// resolveMounts copies the container's mount list.
func resolveMounts(d *container.Descriptor, root *fastjson.Value) {
	for _, m := range root.GetArray("Mounts") {
		rw := false
		if rwVal := m.Get("RW"); rwVal != nil {
			rw, _ = rwVal.Bool()
		}
		d.Mounts = append(d.Mounts, container.Mount{
			Source:      string(m.GetStringBytes("Source")),
			Destination: string(m.GetStringBytes("Destination")),
			Mode:        string(m.GetStringBytes("Mode")),
			RW:          rw,
			Propagation: string(m.GetStringBytes("Propagation")),
		})
	}
}
