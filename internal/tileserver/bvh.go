package tileserver

import "sort"

type bvhNode struct {
	min, max Vec3
	left     *bvhNode
	right    *bvhNode
	leaf     []shape // non-nil ⇒ leaf
}

func buildBVH(objs []shape) *bvhNode {
	if len(objs) == 0 {
		return nil
	}
	work := make([]shape, len(objs))
	copy(work, objs)
	return buildBVHRec(work)
}

func buildBVHRec(objs []shape) *bvhNode {
	minP, maxP := objs[0].bounds()
	for _, o := range objs[1:] {
		a, b := o.bounds()
		minP, maxP = aabbUnion(minP, maxP, a, b)
	}
	if len(objs) <= BVHMaxLeafSize {
		return &bvhNode{min: minP, max: maxP, leaf: objs}
	}

	// Split at the median centroid along the axis with the widest centroid spread.
	centroid := func(o shape, axis int) Real {
		a, b := o.bounds()
		return 0.5 * (axisOf(a, axis) + axisOf(b, axis))
	}
	axis, best := 0, -1.0
	for ax := 0; ax < 3; ax++ {
		lo, hi := centroid(objs[0], ax), centroid(objs[0], ax)
		for _, o := range objs[1:] {
			c := centroid(o, ax)
			if c < lo {
				lo = c
			}
			if c > hi {
				hi = c
			}
		}
		if hi-lo > best {
			axis, best = ax, hi-lo
		}
	}
	sort.Slice(objs, func(i, j int) bool { return centroid(objs[i], axis) < centroid(objs[j], axis) })
	mid := len(objs) / 2
	return &bvhNode{
		min:   minP,
		max:   maxP,
		left:  buildBVHRec(objs[:mid]),
		right: buildBVHRec(objs[mid:]),
	}
}

// nearest returns the closest hit below tMax in the subtree.
func (n *bvhNode) nearest(o, d Vec3, rr rayRecips, tMax Real) (objectHit, bool) {
	if n == nil {
		return objectHit{}, false
	}
	if ok, tEnter := rayAABB(o, n.min, n.max, rr); !ok || tEnter >= tMax {
		return objectHit{}, false
	}
	if n.leaf != nil {
		var best objectHit
		found := false
		for _, s := range n.leaf {
			if h, ok := s.intersect(o, d, tMax); ok {
				best, found, tMax = h, true, h.t
			}
		}
		return best, found
	}
	best, found := n.left.nearest(o, d, rr, tMax)
	if found {
		tMax = best.t
	}
	if h, ok := n.right.nearest(o, d, rr, tMax); ok {
		return h, true
	}
	return best, found
}
