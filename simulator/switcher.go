package simulator

// A Switcher is a switching algorithm that determines how rapidly data
// flows in a graph of nodes, in particular how oversubscription is
// resolved.
type Switcher interface {
	// SwitchedRates applies the switching algorithm in place.
	//
	// The mat argument is passed in with 1's wherever a node wants to
	// send data to another node, and 0's everywhere else. When the call
	// returns, mat holds the granted transfer rate between every pair of
	// nodes.
	SwitchedRates(mat *ConnMat)
}

// A GreedyDropSwitcher emulates a switch where outgoing data is spread
// evenly across a node's outputs, and inputs to an oversubscribed node
// are dropped uniformly at random.
//
// This is equivalent to first normalizing the rows of a connection
// matrix, and then normalizing the columns.
type GreedyDropSwitcher struct {
	SendRates []float64
	RecvRates []float64
}

// NewGreedyDropSwitcher creates a GreedyDropSwitcher with uniform upload
// and download rates across all nodes.
func NewGreedyDropSwitcher(numNodes int, rate float64) *GreedyDropSwitcher {
	rates := make([]float64, numNodes)
	for i := range rates {
		rates[i] = rate
	}
	return &GreedyDropSwitcher{
		SendRates: rates,
		RecvRates: rates,
	}
}

// NumNodes gets the number of nodes the switch expects.
func (g *GreedyDropSwitcher) NumNodes() int {
	return len(g.SendRates)
}

// SwitchedRates performs the switching algorithm.
func (g *GreedyDropSwitcher) SwitchedRates(mat *ConnMat) {
	if mat.NumNodes() != g.NumNodes() {
		panic("unexpected number of nodes")
	}

	// Split upload traffic evenly across sockets.
	for src := 0; src < g.NumNodes(); src++ {
		numDests := mat.SumSource(src)
		if numDests > 0 {
			mat.ScaleSource(src, g.SendRates[src]/numDests)
		}
	}

	// Drop download traffic in proportion to the number of incoming
	// packets from each socket.
	for dst := 0; dst < g.NumNodes(); dst++ {
		incomingRate := mat.SumDest(dst)
		if incomingRate > g.RecvRates[dst] {
			mat.ScaleDest(dst, g.RecvRates[dst]/incomingRate)
		}
	}
}

// A ConnMat is a connectivity matrix. Entries indicate a transfer rate
// from a source node (row) to a destination node (column).
type ConnMat struct {
	numNodes int
	rates    []float64
}

// NewConnMat creates an all-zero connection matrix.
func NewConnMat(numNodes int) *ConnMat {
	return &ConnMat{
		numNodes: numNodes,
		rates:    make([]float64, numNodes*numNodes),
	}
}

// NumNodes returns the number of nodes.
func (c *ConnMat) NumNodes() int {
	return c.numNodes
}

// Get an entry in the matrix.
func (c *ConnMat) Get(src, dst int) float64 {
	if src < 0 || dst < 0 || src >= c.numNodes || dst >= c.numNodes {
		panic("index out of bounds")
	}
	return c.rates[src*c.numNodes+dst]
}

// Set an entry in the matrix.
func (c *ConnMat) Set(src, dst int, value float64) {
	if src < 0 || dst < 0 || src >= c.numNodes || dst >= c.numNodes {
		panic("index out of bounds")
	}
	c.rates[src*c.numNodes+dst] = value
}

// SumDest sums a column of the matrix.
func (c *ConnMat) SumDest(dst int) float64 {
	if dst < 0 || dst >= c.numNodes {
		panic("index out of bounds")
	}
	var sum float64
	for i := 0; i < c.numNodes; i++ {
		sum += c.Get(i, dst)
	}
	return sum
}

// SumSource sums a row of the matrix.
func (c *ConnMat) SumSource(src int) float64 {
	if src < 0 || src >= c.numNodes {
		panic("index out of bounds")
	}
	var sum float64
	for i := 0; i < c.numNodes; i++ {
		sum += c.Get(src, i)
	}
	return sum
}

// ScaleDest scales a column of the matrix.
func (c *ConnMat) ScaleDest(dst int, scale float64) {
	if dst < 0 || dst >= c.numNodes {
		panic("index out of bounds")
	}
	for i := 0; i < c.numNodes; i++ {
		c.Set(i, dst, c.Get(i, dst)*scale)
	}
}

// ScaleSource scales a row of the matrix.
func (c *ConnMat) ScaleSource(src int, scale float64) {
	if src < 0 || src >= c.numNodes {
		panic("index out of bounds")
	}
	for i := 0; i < c.numNodes; i++ {
		c.Set(src, i, c.Get(src, i)*scale)
	}
}
