package graph

import (
	"github.com/steveyegge/sapp/internal/models"
)

// Trim drops frames not reachable from any issue instance, along with their
// leaf assocs, annotations, and annotation assocs. Surviving frames are
// marked reachable. Returns the number of frames dropped.
func (g *TraceGraph) Trim() int {
	reachable := make(map[int64]bool)

	var queue []*models.TraceFrame
	for _, assoc := range g.instFrames {
		if f := g.framesByID[assoc.TraceFrameID.LocalID()]; f != nil && !reachable[f.ID.LocalID()] {
			reachable[f.ID.LocalID()] = true
			queue = append(queue, f)
		}
	}

	annotationsByFrame := make(map[int64][]*models.TraceFrameAnnotation)
	for _, ann := range g.annotations {
		local := ann.TraceFrameID.LocalID()
		annotationsByFrame[local] = append(annotationsByFrame[local], ann)
	}
	subtracesByAnnotation := make(map[int64][]*models.TraceFrameAnnotationTraceFrameAssoc)
	for _, assoc := range g.annFrames {
		local := assoc.TraceFrameAnnotationID.LocalID()
		subtracesByAnnotation[local] = append(subtracesByAnnotation[local], assoc)
	}

	for len(queue) > 0 {
		frame := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		frame.Reachability = models.Reachable

		key := frameKey{kind: frame.Kind, callerText: frame.CalleeID.LocalID(), callerPort: frame.CalleePort}
		for _, next := range g.framesByKey[key] {
			if !reachable[next.ID.LocalID()] {
				reachable[next.ID.LocalID()] = true
				queue = append(queue, next)
			}
		}
		// Annotation subtraces keep their frames alive too.
		for _, ann := range annotationsByFrame[frame.ID.LocalID()] {
			for _, assoc := range subtracesByAnnotation[ann.ID.LocalID()] {
				if f := g.framesByID[assoc.TraceFrameID.LocalID()]; f != nil && !reachable[f.ID.LocalID()] {
					reachable[f.ID.LocalID()] = true
					queue = append(queue, f)
				}
			}
		}
	}

	dropped := len(g.frames) - len(reachable)
	if dropped == 0 {
		return 0
	}

	kept := g.frames[:0]
	for _, frame := range g.frames {
		if reachable[frame.ID.LocalID()] {
			kept = append(kept, frame)
		} else {
			key := frameKey{kind: frame.Kind, callerText: frame.CallerID.LocalID(), callerPort: frame.CallerPort}
			g.framesByKey[key] = removeFrame(g.framesByKey[key], frame)
			delete(g.framesByID, frame.ID.LocalID())
		}
	}
	g.frames = kept

	keptLeafAssocs := g.leafAssocs[:0]
	for _, assoc := range g.leafAssocs {
		if reachable[assoc.TraceFrameID.LocalID()] {
			keptLeafAssocs = append(keptLeafAssocs, assoc)
		}
	}
	g.leafAssocs = keptLeafAssocs

	keptAnnotations := g.annotations[:0]
	droppedAnnotations := make(map[int64]bool)
	for _, ann := range g.annotations {
		if reachable[ann.TraceFrameID.LocalID()] {
			keptAnnotations = append(keptAnnotations, ann)
		} else {
			droppedAnnotations[ann.ID.LocalID()] = true
		}
	}
	g.annotations = keptAnnotations

	keptAnnFrames := g.annFrames[:0]
	for _, assoc := range g.annFrames {
		if !droppedAnnotations[assoc.TraceFrameAnnotationID.LocalID()] {
			keptAnnFrames = append(keptAnnFrames, assoc)
		}
	}
	g.annFrames = keptAnnFrames

	return dropped
}

func removeFrame(frames []*models.TraceFrame, target *models.TraceFrame) []*models.TraceFrame {
	out := frames[:0]
	for _, f := range frames {
		if f != target {
			out = append(out, f)
		}
	}
	return out
}
