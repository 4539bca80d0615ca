package startbox

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/rs/zerolog/log"

	"github.com/saviobatista/regatta/internal/types"
)

var (
	// ErrCapacityExceeded is returned when every box is occupied; callers retry later
	ErrCapacityExceeded = errors.New("no start box free")
	// ErrDuplicateReservation is returned when a vehicle already holds a box
	ErrDuplicateReservation = errors.New("vehicle already holds a start box")
)

// Box is a reserved circular area at a fixed pose
type Box struct {
	Center   mgl64.Vec2
	Start    types.StartPose
	Radius   float64
	occupant int
	occupied bool
}

// Inventory is a FIFO pool of start boxes
type Inventory struct {
	boxes     []*Box
	available []*Box
	taken     map[int]*Box
	mu        sync.Mutex
}

// NewRow creates n boxes starting at (x0, y0, z0), each shifted by (dx, dy) from the
// previous one, all with heading psi in degrees. The release radius is half the spacing.
func NewRow(x0, y0, z0, psi, dx, dy float64, n int) *Inventory {
	radius := mgl64.Vec2{dx, dy}.Len() * 0.5
	q := mgl32.QuatRotate(mgl32.DegToRad(float32(psi)), mgl32.Vec3{0, 0, 1})

	inv := &Inventory{taken: make(map[int]*Box)}
	for i := 0; i < n; i++ {
		x := x0 + dx*float64(i)
		y := y0 + dy*float64(i)
		box := &Box{
			Center: mgl64.Vec2{x, y},
			Start: types.StartPose{
				Position:    [3]float32{float32(x), float32(y), float32(z0)},
				Orientation: [4]float32{q.W, q.V[0], q.V[1], q.V[2]},
			},
			Radius: radius,
		}
		inv.boxes = append(inv.boxes, box)
		inv.available = append(inv.available, box)
	}
	return inv
}

// Reserve pops the first free box for the vehicle and returns its start pose
func (inv *Inventory) Reserve(vehicle int) (types.StartPose, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if _, ok := inv.taken[vehicle]; ok {
		return types.StartPose{}, fmt.Errorf("%w: vehicle %d", ErrDuplicateReservation, vehicle)
	}
	if len(inv.available) == 0 {
		return types.StartPose{}, ErrCapacityExceeded
	}

	box := inv.available[0]
	inv.available = inv.available[1:]
	box.occupant = vehicle
	box.occupied = true
	inv.taken[vehicle] = box

	log.Debug().Int("vehicle", vehicle).Floats64("box", box.Center[:]).Msg("start box assigned")
	return box.Start, nil
}

// Observe frees the vehicle's box once its position left the release circle.
// It reports whether the box was freed.
func (inv *Inventory) Observe(vehicle int, x, y float64) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	box, ok := inv.taken[vehicle]
	if !ok {
		return false
	}
	if (mgl64.Vec2{x, y}).Sub(box.Center).Len() <= box.Radius {
		return false
	}

	inv.free(vehicle, box)
	log.Debug().Int("vehicle", vehicle).Floats64("box", box.Center[:]).Msg("start box left")
	return true
}

// Release unconditionally frees any box held by the vehicle
func (inv *Inventory) Release(vehicle int) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	box, ok := inv.taken[vehicle]
	if !ok {
		return false
	}

	inv.free(vehicle, box)
	log.Debug().Int("vehicle", vehicle).Floats64("box", box.Center[:]).Msg("start box given up")
	return true
}

func (inv *Inventory) free(vehicle int, box *Box) {
	delete(inv.taken, vehicle)
	box.occupied = false
	box.occupant = 0
	inv.available = append(inv.available, box)
}

// Holds reports whether the vehicle currently occupies a box
func (inv *Inventory) Holds(vehicle int) bool {
	_, ok := inv.Holding(vehicle)
	return ok
}

// Holding returns the start pose of the box the vehicle occupies
func (inv *Inventory) Holding(vehicle int) (types.StartPose, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	box, ok := inv.taken[vehicle]
	if !ok {
		return types.StartPose{}, false
	}
	return box.Start, true
}

// Free returns the number of boxes available for reservation
func (inv *Inventory) Free() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return len(inv.available)
}

// Capacity returns the configured number of boxes
func (inv *Inventory) Capacity() int {
	return len(inv.boxes)
}

// Occupants returns the vehicle ids of all occupied boxes in construction order
func (inv *Inventory) Occupants() []int {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	var ids []int
	for _, box := range inv.boxes {
		if box.occupied {
			ids = append(ids, box.occupant)
		}
	}
	return ids
}
