package dosage

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
)

func TestCreatinineClearanceElderlyMale(t *testing.T) {
	res, err := CreatinineClearance(75, 60, 1.8, SexMale)
	require.NoError(t, err)
	// (65 x 60) / (72 x 1.8)
	require.InDelta(t, 30.09, res.Value, 0.01)
	require.Equal(t, 30.1, res.Rounded(1))
	require.Equal(t, RenalModerate, res.Category)
	require.Equal(t, "mL/min", res.Unit)
}

func TestCreatinineClearanceFemaleFactor(t *testing.T) {
	male, err := CreatinineClearance(45, 55, 0.9, SexMale)
	require.NoError(t, err)
	female, err := CreatinineClearance(45, 55, 0.9, SexFemale)
	require.NoError(t, err)
	require.InDelta(t, male.Value*0.85, female.Value, 1e-9)
}

func TestCreatinineClearancePositiveAndLinearInWeight(t *testing.T) {
	for _, age := range []float64{1, 30, 75, 139} {
		for _, scr := range []float64{0.3, 1.0, 4.5} {
			for _, sex := range []Sex{SexMale, SexFemale} {
				base, err := CreatinineClearance(age, 50, scr, sex)
				require.NoError(t, err)
				require.Greater(t, base.Value, 0.0)

				for _, k := range []float64{0.5, 2, 3.3} {
					scaled, err := CreatinineClearance(age, 50*k, scr, sex)
					require.NoError(t, err)
					require.InEpsilon(t, base.Value*k, scaled.Value, 1e-9)
				}
			}
		}
	}
}

func TestCreatinineClearanceRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name         string
		age, wt, scr float64
		sex          Sex
	}{
		{"zero age", 0, 70, 1, SexMale},
		{"negative weight", 40, -1, 1, SexMale},
		{"zero creatinine", 40, 70, 0, SexMale},
		{"age at limit", 140, 70, 1, SexMale},
		{"unknown sex", 40, 70, 1, Sex("x")},
		{"nan weight", 40, math.NaN(), 1, SexFemale},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CreatinineClearance(tc.age, tc.wt, tc.scr, tc.sex)
			require.ErrorIs(t, err, medication.ErrInvalidInput)
		})
	}
}

func TestRenalCategory(t *testing.T) {
	require.Equal(t, RenalNormal, RenalCategory(90))
	require.Equal(t, RenalMild, RenalCategory(60))
	require.Equal(t, RenalModerate, RenalCategory(30))
	require.Equal(t, RenalSevere, RenalCategory(15))
	require.Equal(t, RenalESRD, RenalCategory(14.9))
}

func TestParseSex(t *testing.T) {
	s, err := ParseSex("F")
	require.NoError(t, err)
	require.Equal(t, SexFemale, s)

	_, err = ParseSex("unknown")
	require.ErrorIs(t, err, medication.ErrInvalidInput)
}

func TestBodySurfaceArea(t *testing.T) {
	res, err := BodySurfaceArea(170, 70)
	require.NoError(t, err)
	require.InDelta(t, 1.818, res.Value, 0.001)

	_, err = BodySurfaceArea(0, 70)
	require.ErrorIs(t, err, medication.ErrInvalidInput)
}

func TestBSADoseClamps(t *testing.T) {
	res, err := BSADose(100, 170, 70, 0, "mg")
	require.NoError(t, err)
	require.False(t, res.Clamped)
	require.InDelta(t, 181.8, res.Value, 0.1)

	res, err = BSADose(100, 170, 70, 150, "mg")
	require.NoError(t, err)
	require.True(t, res.Clamped)
	require.Equal(t, 150.0, res.Value)
}

func TestPediatricDose(t *testing.T) {
	res, err := PediatricDose(20, 15, 0)
	require.NoError(t, err)
	require.Equal(t, 300.0, res.Value)
	require.False(t, res.Clamped)

	res, err = PediatricDose(20, 15, 250)
	require.NoError(t, err)
	require.Equal(t, 250.0, res.Value)
	require.True(t, res.Clamped)

	_, err = PediatricDose(0, 15, 0)
	require.ErrorIs(t, err, medication.ErrInvalidInput)
}

func TestPediatricDoseFromAdult(t *testing.T) {
	clark, err := PediatricDoseFromAdult(ScaleClark, AdultScalingInput{AdultDose: 500, WeightKg: 35})
	require.NoError(t, err)
	require.InDelta(t, 250.0, clark.Value, 1e-9)

	young, err := PediatricDoseFromAdult(ScaleYoung, AdultScalingInput{AdultDose: 500, AgeYears: 6})
	require.NoError(t, err)
	require.InDelta(t, 166.67, young.Value, 0.01)

	bsa, err := PediatricDoseFromAdult(ScaleBSA, AdultScalingInput{AdultDose: 173, BSA: 0.865})
	require.NoError(t, err)
	require.InDelta(t, 86.5, bsa.Value, 1e-9)

	_, err = PediatricDoseFromAdult(ScaleYoung, AdultScalingInput{AdultDose: 500})
	require.ErrorIs(t, err, medication.ErrInvalidInput)

	_, err = PediatricDoseFromAdult("nomogram", AdultScalingInput{AdultDose: 500})
	require.ErrorIs(t, err, medication.ErrInvalidInput)
}

func TestInfusionRate(t *testing.T) {
	res, err := InfusionRate(1000, 4, 30)
	require.NoError(t, err)
	require.InDelta(t, 500.0, res.Value, 1e-9)
	require.Equal(t, "mL/h", res.Unit)
}

func TestInfusionRateZeroConcentration(t *testing.T) {
	_, err := InfusionRate(1000, 0, 60)
	require.ErrorIs(t, err, medication.ErrInvalidInput)

	_, err = InfusionRate(1000, 5, 0)
	require.ErrorIs(t, err, medication.ErrInvalidInput)

	_, err = InfusionRate(1000, -2, 60)
	require.ErrorIs(t, err, medication.ErrInvalidInput)
}

func TestConvertUnits(t *testing.T) {
	res, err := ConvertUnits(1.5, "g", "mg")
	require.NoError(t, err)
	require.InDelta(t, 1500.0, res.Value, 1e-9)

	res, err = ConvertUnits(250, "mcg", "mg")
	require.NoError(t, err)
	require.InDelta(t, 0.25, res.Value, 1e-12)

	res, err = ConvertUnits(0.5, "L", "mL")
	require.NoError(t, err)
	require.InDelta(t, 500.0, res.Value, 1e-9)
}

func TestConvertUnitsRoundTrip(t *testing.T) {
	pairs := [][2]string{
		{"g", "mg"}, {"mg", "mcg"}, {"mcg", "ng"}, {"g", "ng"}, {"kg", "ug"},
		{"L", "mL"}, {"mL", "mcL"}, {"dL", "L"},
	}
	for _, p := range pairs {
		for _, x := range []float64{0, 0.001, 1, 12.5, 1e6} {
			there, err := ConvertUnits(x, p[0], p[1])
			require.NoError(t, err)
			back, err := ConvertUnits(there.Value, p[1], p[0])
			require.NoError(t, err)
			require.InDelta(t, x, back.Value, math.Abs(x)*1e-12+1e-15, "%v %s<->%s", x, p[0], p[1])
		}
	}
}

func TestConvertUnitsAcrossDimensions(t *testing.T) {
	_, err := ConvertUnits(10, "mg", "mL")
	require.True(t, errors.Is(err, medication.ErrUnsupportedUnit))

	_, err = ConvertUnits(10, "mg", "units")
	require.ErrorIs(t, err, medication.ErrUnsupportedUnit)

	require.True(t, Compatible("G", "mcg"))
	require.False(t, Compatible("mg", "mL"))
}
