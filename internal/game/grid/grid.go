package grid

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rawblock/infinity-storm/internal/game/symbols"
)

// Grid dimensions are fixed by the game design.
const (
	Columns = 6
	Rows    = 5
)

// Empty marks a cell with no symbol. Engine-produced grids never
// contain it; client-reported mid-animation states may.
const Empty = symbols.Symbol("")

// Position addresses one cell. Col runs 0..5 left to right, Row runs
// 0..4 top to bottom; gravity pulls symbols toward higher row indices.
type Position struct {
	Col int `json:"col"`
	Row int `json:"row"`
}

// Less orders positions ascending by (column, row). Cluster ordering
// and tie-breaks use this everywhere.
func (p Position) Less(q Position) bool {
	if p.Col != q.Col {
		return p.Col < q.Col
	}
	return p.Row < q.Row
}

// Grid is the 6×5 symbol field in column-major layout: Grid[col][row].
// It is a value type; gridBefore/gridAfter snapshots are plain copies.
type Grid [Columns][Rows]symbols.Symbol

// FromRows builds a grid from row-major literals, which read in source
// the way the grid renders. Test fixtures use this.
func FromRows(rows [Rows][Columns]symbols.Symbol) Grid {
	var g Grid
	for r := 0; r < Rows; r++ {
		for c := 0; c < Columns; c++ {
			g[c][r] = rows[r][c]
		}
	}
	return g
}

// Validate rejects grids that are not fully populated with known
// symbols. Engine output must always pass.
func (g *Grid) Validate() error {
	for c := 0; c < Columns; c++ {
		for r := 0; r < Rows; r++ {
			s := g[c][r]
			if s == Empty {
				return fmt.Errorf("grid: empty cell at col %d row %d", c, r)
			}
			if !symbols.Known(s) {
				return fmt.Errorf("grid: unknown symbol %q at col %d row %d", s, c, r)
			}
		}
	}
	return nil
}

// Count returns how many cells hold the symbol.
func (g *Grid) Count(s symbols.Symbol) int {
	n := 0
	for c := 0; c < Columns; c++ {
		for r := 0; r < Rows; r++ {
			if g[c][r] == s {
				n++
			}
		}
	}
	return n
}

// CountScatters returns the number of scatter symbols anywhere on the
// grid. Scatters have no connectivity requirement.
func (g *Grid) CountScatters() int {
	return g.Count(symbols.InfinityGlove)
}

// Canonical renders the grid in its canonical hash form: cells joined
// by commas within a column, columns joined by pipes, column-major.
// Validation hashes are computed over this exact string.
func (g *Grid) Canonical() string {
	var sb strings.Builder
	for c := 0; c < Columns; c++ {
		if c > 0 {
			sb.WriteByte('|')
		}
		for r := 0; r < Rows; r++ {
			if r > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(string(g[c][r]))
		}
	}
	return sb.String()
}

// Cluster is one maximal 4-connected group of identical non-scatter
// symbols. Positions are sorted ascending; Origin is the minimum
// position and serves as the cluster ordering key.
type Cluster struct {
	Symbol    symbols.Symbol `json:"symbol"`
	Positions []Position     `json:"positions"`
	Origin    Position       `json:"origin"`
}

// Size returns the number of positions in the cluster.
func (cl *Cluster) Size() int {
	return len(cl.Positions)
}

// FindClusters returns every maximal 4-connected cluster of at least
// minSize identical symbols. Scatters never cluster. The scan walks
// cells in ascending (column, row) order, so the returned slice is
// ordered by each cluster's minimum position and every position
// belongs to at most one cluster.
func (g *Grid) FindClusters(minSize int) []Cluster {
	var visited [Columns][Rows]bool
	var clusters []Cluster

	for c := 0; c < Columns; c++ {
		for r := 0; r < Rows; r++ {
			if visited[c][r] {
				continue
			}
			sym := g[c][r]
			if sym == Empty || symbols.IsScatter(sym) {
				visited[c][r] = true
				continue
			}

			// Flood fill the 4-connected component.
			component := []Position{{Col: c, Row: r}}
			visited[c][r] = true
			for i := 0; i < len(component); i++ {
				p := component[i]
				for _, q := range [4]Position{
					{p.Col - 1, p.Row},
					{p.Col + 1, p.Row},
					{p.Col, p.Row - 1},
					{p.Col, p.Row + 1},
				} {
					if q.Col < 0 || q.Col >= Columns || q.Row < 0 || q.Row >= Rows {
						continue
					}
					if visited[q.Col][q.Row] || g[q.Col][q.Row] != sym {
						continue
					}
					visited[q.Col][q.Row] = true
					component = append(component, q)
				}
			}

			if len(component) < minSize {
				continue
			}
			sort.Slice(component, func(i, j int) bool {
				return component[i].Less(component[j])
			})
			clusters = append(clusters, Cluster{
				Symbol:    sym,
				Positions: component,
				Origin:    component[0],
			})
		}
	}
	return clusters
}

// DropMove records one surviving symbol's fall within its column.
type DropMove struct {
	Col     int `json:"col"`
	FromRow int `json:"fromRow"`
	ToRow   int `json:"toRow"`
}

// RefillCell records a new symbol entering from above.
type RefillCell struct {
	Col    int            `json:"col"`
	Row    int            `json:"row"`
	Symbol symbols.Symbol `json:"symbol"`
}

// DropPattern describes the full grid transition of one cascade step:
// which survivors moved where, and which cells were refilled, in draw
// order.
type DropPattern struct {
	Moves   []DropMove   `json:"moves"`
	Refills []RefillCell `json:"refills"`
}

// Resolve clears the given positions, gravity-drops survivors toward
// higher row indices and refills the vacated cells from the draw
// function. Columns resolve left to right; within a column the deepest
// empty cell fills first, so the first-drawn symbol falls furthest and
// the last-drawn rests at row 0. The receiver is unchanged; the
// returned grid is the post-step state.
func (g Grid) Resolve(cleared []Position, draw func() symbols.Symbol) (Grid, DropPattern) {
	var gone [Columns][Rows]bool
	for _, p := range cleared {
		if p.Col >= 0 && p.Col < Columns && p.Row >= 0 && p.Row < Rows {
			gone[p.Col][p.Row] = true
		}
	}

	out := g
	var pattern DropPattern

	for c := 0; c < Columns; c++ {
		write := Rows - 1
		for r := Rows - 1; r >= 0; r-- {
			if gone[c][r] {
				continue
			}
			if write != r {
				out[c][write] = g[c][r]
				pattern.Moves = append(pattern.Moves, DropMove{Col: c, FromRow: r, ToRow: write})
			}
			write--
		}
		for r := write; r >= 0; r-- {
			sym := draw()
			out[c][r] = sym
			pattern.Refills = append(pattern.Refills, RefillCell{Col: c, Row: r, Symbol: sym})
		}
	}
	return out, pattern
}
