package worker

import (
	"context"
	"fmt"

	"github.com/mattjoyce/cobalt/internal/instance"
	"github.com/mattjoyce/cobalt/internal/vms"
)

// BlessReply is returned for bless_instance.
type BlessReply struct {
	InstanceUUID string `json:"instance_uuid"`
	*vms.BlessResult
}

// LaunchReply lists the instances created by launch_instance.
type LaunchReply struct {
	Instances []string `json:"instances"`
}

// StateReply is returned for discard, pause and unpause.
type StateReply struct {
	InstanceUUID string `json:"instance_uuid"`
	VMState      string `json:"vm_state"`
}

func (w *Worker) source(ctx context.Context, uuid string) (*instance.Instance, error) {
	inst, err := w.store.Get(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if inst.Deleted {
		return nil, fmt.Errorf("%w: %s is deleted", instance.ErrNotFound, uuid)
	}
	return inst, nil
}

// bless snapshots the source VM into a new template record.
func (w *Worker) bless(ctx context.Context, args Args) (*BlessReply, error) {
	src, err := w.source(ctx, args.InstanceUUID)
	if err != nil {
		return nil, err
	}
	newUUID := w.newUUID()

	result, err := w.vms.Bless(ctx, vms.BlessSpec{
		Name:      src.Name,
		NewName:   cloneName(src.Name, newUUID),
		Path:      w.opts.Path,
		DiskURL:   args.DiskURL,
		MemURL:    args.MemURL,
		Migration: args.Migration,
	})
	if err != nil {
		return nil, err
	}

	tmpl := &instance.Instance{
		UUID:         newUUID,
		Name:         result.NewName,
		Host:         w.opts.Host,
		InstanceType: src.InstanceType,
		ProjectID:    src.ProjectID,
		VMState:      instance.StateBlessed,
		Metadata:     map[string]string{instance.MetaBlessedFrom: src.UUID},
	}
	if err := w.store.Put(ctx, tmpl); err != nil {
		return nil, fmt.Errorf("record blessed instance: %w", err)
	}
	return &BlessReply{InstanceUUID: newUUID, BlessResult: result}, nil
}

// launch starts num_instances clones of a blessed template, one vmsctl launch
// and one record per clone, and stops at the first failure.
func (w *Worker) launch(ctx context.Context, args Args) (*LaunchReply, error) {
	tmpl, err := w.source(ctx, args.InstanceUUID)
	if err != nil {
		return nil, err
	}
	count := args.NumInstances
	if count == 0 {
		count = 1
	}
	projectID := args.ProjectID
	if projectID == "" {
		projectID = tmpl.ProjectID
	}

	reply := &LaunchReply{}
	for i := 0; i < count; i++ {
		newUUID := w.newUUID()
		name := cloneName(tmpl.Name, newUUID)
		err := w.vms.Launch(ctx, vms.LaunchSpec{
			Name:        tmpl.Name,
			NewName:     name,
			Count:       1,
			Path:        w.opts.Path,
			DiskURL:     args.DiskURL,
			MemURL:      args.MemURL,
			Migration:   args.Migration,
			GuestParams: args.GuestParams,
			VMSOptions:  args.VMSOptions,
		})
		if err != nil {
			return nil, fmt.Errorf("launch %d of %d: %w", i+1, count, err)
		}

		if err := w.store.Put(ctx, &instance.Instance{
			UUID:         newUUID,
			Name:         name,
			Host:         w.opts.Host,
			InstanceType: tmpl.InstanceType,
			ProjectID:    projectID,
			VMState:      instance.StateActive,
			Metadata:     map[string]string{instance.MetaLaunchedFrom: tmpl.UUID},
		}); err != nil {
			return nil, fmt.Errorf("record launched instance: %w", err)
		}
		reply.Instances = append(reply.Instances, newUUID)
	}
	return reply, nil
}

func (w *Worker) discard(ctx context.Context, args Args) (*StateReply, error) {
	tmpl, err := w.source(ctx, args.InstanceUUID)
	if err != nil {
		return nil, err
	}
	if err := w.vms.Discard(ctx, vms.DiscardSpec{
		Name:    tmpl.Name,
		Path:    w.opts.Path,
		DiskURL: args.DiskURL,
		MemURL:  args.MemURL,
	}); err != nil {
		return nil, err
	}
	if err := w.store.MarkDeleted(ctx, tmpl.UUID); err != nil {
		return nil, fmt.Errorf("mark discarded: %w", err)
	}
	return &StateReply{InstanceUUID: tmpl.UUID, VMState: "deleted"}, nil
}

func (w *Worker) setPaused(ctx context.Context, args Args, paused bool) (*StateReply, error) {
	inst, err := w.source(ctx, args.InstanceUUID)
	if err != nil {
		return nil, err
	}
	state := instance.StateActive
	if paused {
		state = instance.StatePaused
		err = w.vms.Pause(ctx, inst.Name)
	} else {
		err = w.vms.Unpause(ctx, inst.Name)
	}
	if err != nil {
		return nil, err
	}
	if err := w.store.SetState(ctx, inst.UUID, state); err != nil {
		return nil, fmt.Errorf("record vm state: %w", err)
	}
	return &StateReply{InstanceUUID: inst.UUID, VMState: state}, nil
}

// cloneName derives a VM name for a clone of base.
func cloneName(base, id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return base + "-" + id
}
