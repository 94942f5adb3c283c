// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package gitsource

import (
	"encoding/json"

	"github.com/gardener/buildsched/pkg/item"
	"github.com/gardener/buildsched/pkg/queue"
)

// TrackBehavior resolves each item's ref to a commit SHA. Items with no
// URL configured are skipped outright, mirroring trackqueue.py's
// treatment of sources with nothing to track.
type TrackBehavior struct{}

// ActionName implements queue.Behavior.
func (TrackBehavior) ActionName() string { return ActionTrack }

// ResourceClass implements queue.Behavior.
func (TrackBehavior) ResourceClass() string { return "network" }

// Status implements queue.Behavior.
func (TrackBehavior) Status(it item.WorkItem) queue.Status {
	g, ok := it.(*Item)
	if !ok || g.st.URL == "" {
		return queue.Skip
	}
	return queue.Ready
}

// Done implements queue.Behavior: only a SHA that actually moved
// propagates to Fetch, so a repeatedly-tracked, unchanged ref does not
// re-trigger a clone every pass.
func (TrackBehavior) Done(it item.WorkItem, success bool, _ json.RawMessage) (bool, error) {
	g, ok := it.(*Item)
	return ok && success && g.changed, nil
}

// FetchBehavior materializes a tracked commit into a local workspace.
type FetchBehavior struct{}

// ActionName implements queue.Behavior.
func (FetchBehavior) ActionName() string { return ActionFetch }

// ResourceClass implements queue.Behavior.
func (FetchBehavior) ResourceClass() string { return "network" }

// Status implements queue.Behavior.
func (FetchBehavior) Status(it item.WorkItem) queue.Status {
	switch it.Consistency() {
	case item.Resolved:
		return queue.Ready
	case item.Cached:
		return queue.Skip
	default:
		return queue.Wait
	}
}

// Done implements queue.Behavior.
func (FetchBehavior) Done(_ item.WorkItem, success bool, _ json.RawMessage) (bool, error) {
	return success, nil
}

// BuildBehavior turns a fetched workspace into a checksummed artifact,
// the stage Push's asset name is derived from. It type-asserts to
// *Item rather than riding item.Consistency, since "built" is a fourth
// state that enum was never meant to carry.
type BuildBehavior struct{}

// ActionName implements queue.Behavior.
func (BuildBehavior) ActionName() string { return ActionBuild }

// ResourceClass implements queue.Behavior.
func (BuildBehavior) ResourceClass() string { return "cpu" }

// Status implements queue.Behavior.
func (BuildBehavior) Status(it item.WorkItem) queue.Status {
	g, ok := it.(*Item)
	if !ok {
		return queue.Skip
	}
	switch {
	case g.st.Built:
		return queue.Skip
	case g.st.Fetched:
		return queue.Ready
	default:
		return queue.Wait
	}
}

// Done implements queue.Behavior.
func (BuildBehavior) Done(_ item.WorkItem, success bool, _ json.RawMessage) (bool, error) {
	return success, nil
}

// PushBehavior uploads a built workspace as a release asset. It is
// the pipeline's terminal stage: Done never keeps an item, since
// nothing follows Push.
type PushBehavior struct{}

// ActionName implements queue.Behavior.
func (PushBehavior) ActionName() string { return ActionPush }

// ResourceClass implements queue.Behavior.
func (PushBehavior) ResourceClass() string { return "push" }

// Status implements queue.Behavior.
func (PushBehavior) Status(it item.WorkItem) queue.Status {
	g, ok := it.(*Item)
	if !ok || g.st.PushRepo == "" || g.st.Pushed != "" {
		return queue.Skip
	}
	if g.st.Built {
		return queue.Ready
	}
	return queue.Wait
}

// Done implements queue.Behavior.
func (PushBehavior) Done(_ item.WorkItem, _ bool, _ json.RawMessage) (bool, error) {
	return false, nil
}
