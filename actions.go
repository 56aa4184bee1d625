package binder

// ref is one hold on an object's strong or weak count.
type ref struct {
	obj    *Object
	strong bool
}

// takeRef acquires a hold on obj. It may queue an increment for the owner.
func takeRef(obj *Object, strong bool) ref {
	obj.incRef(strong)
	return ref{obj: obj, strong: strong}
}

// refActions is a batch of holds to drop. Dropping a hold can reap an object,
// which takes the owner's lock, so batches are collected while a process lock
// is held and applied after it is released.
//
// Every function that returns a refActions expects the caller to apply it.
type refActions struct {
	refs []ref
}

func (a *refActions) release(r ref) {
	a.refs = append(a.refs, r)
}

func (a *refActions) merge(b refActions) {
	a.refs = append(a.refs, b.refs...)
}

func (a *refActions) empty() bool {
	return len(a.refs) == 0
}

// apply drops every hold in the batch. It must be called with no process
// lock held. Applying a batch twice is a no-op.
func (a *refActions) apply() {
	refs := a.refs
	a.refs = nil
	for _, r := range refs {
		if r.obj.decRef(r.strong) {
			r.obj.reap()
		}
	}
}
